// Package packet implements the packet codec stage (spec.md §4.2): the
// boundary between raw datagrams and the authenticated envelope layer.
// The v5.1 wire layout of the packet itself (ordinary/whoareyou/handshake
// framing, AEAD header) is an external oracle per spec.md §1/§6 — this
// package defines the Packet/Codec contract and the two pipeline
// services that sit on either side of it, never the wire format.
package packet

import (
	"context"
	"errors"

	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/nodeid"
	"github.com/eth2030/discv5/transport"
)

// Packet is the tagged union over the v5.1 handshake variants (ordinary,
// whoareyou, handshake) that decode_packet/encode_packet produce and
// consume. Its internal structure is the external oracle's concern; the
// core only needs to move it between stages, recover the cleartext
// sender hint real discv5 ordinary-packet headers carry, and ask for its
// wire bytes.
type Packet interface {
	// ToWireBytes serializes the packet for transmission. Encoding is
	// assumed infallible for well-formed packets (spec.md §4.2); any
	// error here is a programming fault.
	ToWireBytes() []byte
	// IsWhoAreYou reports whether this packet is a handshake-initiation
	// challenge from the peer (spec.md §4.3 step 3).
	IsWhoAreYou() bool
	// SenderHint returns the cleartext claimed sender node ID carried in
	// the packet's static header. It is unauthenticated until the
	// envelope decrypts successfully under the matching session.
	SenderHint() nodeid.ID
	// Nonce returns the AEAD nonce carried alongside an ordinary packet's
	// ciphertext. Meaningless for whoareyou packets.
	Nonce() [12]byte
	// Ciphertext returns the encrypted message payload of an ordinary
	// packet. Empty for whoareyou packets.
	Ciphertext() []byte
	// Challenge returns the opaque handshake-challenge bytes of a
	// whoareyou packet. Empty for ordinary packets.
	Challenge() []byte
}

// Codec is the external decode_packet/encode_packet oracle (spec.md §6),
// extended with the handshake-framing and key-agreement operations the
// Pool needs to drive session establishment (spec.md §4.3). The v5.1
// handshake's actual wire layout and key-agreement scheme are out of
// scope/non-goals (spec.md §1); this interface is the seam, not an
// implementation of that scheme.
type Codec interface {
	// Decode parses a raw datagram into a Packet, validating it against
	// localNodeID. Returns an error on failure; the caller discards and
	// continues.
	Decode(datagram []byte, localNodeID nodeid.ID) (Packet, error)
	// EncodeOrdinary wraps an already-encrypted message payload in the
	// ordinary packet framing.
	EncodeOrdinary(sender nodeid.ID, nonce [12]byte, ciphertext []byte) Packet
	// EncodeWhoAreYou produces a handshake-initiation challenge packet.
	EncodeWhoAreYou(sender nodeid.ID, challenge []byte) Packet
	// DeriveKeys performs the (out-of-scope) key-agreement scheme given a
	// handshake challenge, returning directional AEAD keys and a session
	// identifier shared by both ends.
	DeriveKeys(local, peer nodeid.ID, challenge []byte, isInitiator bool) (sendKey, recvKey []byte, sessionID [32]byte, err error)
}

// ErrNilCodec is returned when a PacketDecoder/Encoder is constructed
// without a Codec — a programming fault, not a runtime condition.
var ErrNilCodec = errors.New("packet: nil codec")

// InboundEnvelope is (packet, Endpoint) inbound — ciphertext not yet
// authenticated as any particular peer (spec.md §3).
type InboundEnvelope struct {
	Packet   Packet
	Endpoint nodeid.Endpoint
}

// OutboundEnvelope is (packet, Endpoint) outbound.
type OutboundEnvelope struct {
	Packet   Packet
	Endpoint nodeid.Endpoint
}

// Decoder consumes inbound datagrams and produces InboundEnvelope values,
// discarding anything decode_packet rejects (spec.md §4.2).
type Decoder struct {
	codec       Codec
	localNodeID nodeid.ID
	log         *log.Logger
	onDiscard   func(ep nodeid.Endpoint, reason string)
}

// NewDecoder builds a Decoder. onDiscard, if non-nil, is called for
// every datagram that fails decode_packet (used to emit packet_discarded
// events).
func NewDecoder(codec Codec, localNodeID nodeid.ID, lg *log.Logger, onDiscard func(nodeid.Endpoint, string)) (*Decoder, error) {
	if codec == nil {
		return nil, ErrNilCodec
	}
	return &Decoder{codec: codec, localNodeID: localNodeID, log: lg, onDiscard: onDiscard}, nil
}

// Run drains in, decodes each datagram, and forwards valid envelopes to
// out until ctx is cancelled or in is closed.
func (d *Decoder) Run(ctx context.Context, in <-chan transport.Datagram, out chan<- InboundEnvelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dg, ok := <-in:
			if !ok {
				return nil
			}
			pkt, err := d.codec.Decode(dg.Data, d.localNodeID)
			if err != nil {
				d.log.Warn("dropping malformed datagram", "endpoint", dg.Endpoint.String(), "err", err)
				if d.onDiscard != nil {
					d.onDiscard(dg.Endpoint, err.Error())
				}
				continue
			}
			env := InboundEnvelope{Packet: pkt, Endpoint: dg.Endpoint}
			select {
			case out <- env:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Encoder is symmetric: each OutboundEnvelope becomes a datagram via
// packet.ToWireBytes() (spec.md §4.2).
type Encoder struct{}

// NewEncoder builds an Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Run drains in, serializes each envelope, and forwards datagrams to out
// until ctx is cancelled or in is closed.
func (*Encoder) Run(ctx context.Context, in <-chan OutboundEnvelope, out chan<- transport.Datagram) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			dg := transport.Datagram{Data: env.Packet.ToWireBytes(), Endpoint: env.Endpoint}
			select {
			case out <- dg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
