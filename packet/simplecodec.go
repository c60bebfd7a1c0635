package packet

import (
	"crypto/sha256"
	"errors"

	"github.com/eth2030/discv5/nodeid"
)

// SimpleCodec is a concrete, self-consistent Codec used to exercise the
// rest of the pipeline end to end (round-trip laws, Pool handshake
// driving, dispatcher tests). It is NOT the real Discovery v5.1 packet
// wire format or handshake key-agreement scheme — both are explicitly
// out of scope/non-goals (spec.md §1) — it exists only because nothing
// downstream of the packet stage can be exercised without some concrete
// Codec. See DESIGN.md.
//
// Wire layout: [flag:1][sender:32][ rest ]
//
//	flag 0: ordinary   — rest = nonce(12) || ciphertext
//	flag 1: whoareyou  — rest = challenge
type SimpleCodec struct{}

// NewSimpleCodec builds the stand-in codec.
func NewSimpleCodec() *SimpleCodec { return &SimpleCodec{} }

var errShortDatagram = errors.New("packet: datagram too short")

type simplePacket struct {
	whoareyou  bool
	sender     nodeid.ID
	nonce      [12]byte
	ciphertext []byte
	challenge  []byte
}

func (p *simplePacket) IsWhoAreYou() bool       { return p.whoareyou }
func (p *simplePacket) SenderHint() nodeid.ID   { return p.sender }
func (p *simplePacket) Nonce() [12]byte         { return p.nonce }
func (p *simplePacket) Ciphertext() []byte      { return p.ciphertext }
func (p *simplePacket) Challenge() []byte       { return p.challenge }

func (p *simplePacket) ToWireBytes() []byte {
	out := make([]byte, 0, 1+32+12+len(p.ciphertext)+len(p.challenge))
	if p.whoareyou {
		out = append(out, 1)
		out = append(out, p.sender[:]...)
		out = append(out, p.challenge...)
		return out
	}
	out = append(out, 0)
	out = append(out, p.sender[:]...)
	out = append(out, p.nonce[:]...)
	out = append(out, p.ciphertext...)
	return out
}

// Decode implements Codec.
func (*SimpleCodec) Decode(datagram []byte, _ nodeid.ID) (Packet, error) {
	if len(datagram) < 1+32 {
		return nil, errShortDatagram
	}
	flag := datagram[0]
	var sender nodeid.ID
	copy(sender[:], datagram[1:33])
	rest := datagram[33:]

	if flag == 1 {
		return &simplePacket{whoareyou: true, sender: sender, challenge: append([]byte(nil), rest...)}, nil
	}
	if len(rest) < 12 {
		return nil, errShortDatagram
	}
	var nonce [12]byte
	copy(nonce[:], rest[:12])
	ct := append([]byte(nil), rest[12:]...)
	return &simplePacket{sender: sender, nonce: nonce, ciphertext: ct}, nil
}

// EncodeOrdinary implements Codec.
func (*SimpleCodec) EncodeOrdinary(sender nodeid.ID, nonce [12]byte, ciphertext []byte) Packet {
	return &simplePacket{sender: sender, nonce: nonce, ciphertext: ciphertext}
}

// EncodeWhoAreYou implements Codec.
func (*SimpleCodec) EncodeWhoAreYou(sender nodeid.ID, challenge []byte) Packet {
	return &simplePacket{whoareyou: true, sender: sender, challenge: challenge}
}

// DeriveKeys implements Codec with a deterministic, order-dependent
// SHA-256 combination of both node IDs and the challenge bytes — not a
// real ECDH handshake (the actual key-agreement scheme is out of scope),
// just enough symmetry that both ends of a handshake arrive at the same
// directional keys and session ID.
func (*SimpleCodec) DeriveKeys(local, peer nodeid.ID, challenge []byte, isInitiator bool) (sendKey, recvKey []byte, sessionID [32]byte, err error) {
	initToResp := sha256.New()
	respToInit := sha256.New()
	sid := sha256.New()

	var a, b nodeid.ID
	if isInitiator {
		a, b = local, peer
	} else {
		a, b = peer, local
	}
	// a is always the initiator's ID here, b the responder's.
	initToResp.Write([]byte("i2r"))
	initToResp.Write(a[:])
	initToResp.Write(b[:])
	initToResp.Write(challenge)

	respToInit.Write([]byte("r2i"))
	respToInit.Write(a[:])
	respToInit.Write(b[:])
	respToInit.Write(challenge)

	sid.Write([]byte("sid"))
	sid.Write(a[:])
	sid.Write(b[:])
	sid.Write(challenge)
	copy(sessionID[:], sid.Sum(nil))

	if isInitiator {
		return initToResp.Sum(nil)[:32], respToInit.Sum(nil)[:32], sessionID, nil
	}
	return respToInit.Sum(nil)[:32], initToResp.Sum(nil)[:32], sessionID, nil
}
