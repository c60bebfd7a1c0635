package packet

import (
	"bytes"
	"testing"

	"github.com/eth2030/discv5/nodeid"
)

func idFromByte(b byte) nodeid.ID {
	var id nodeid.ID
	id[0] = b
	return id
}

func TestSimpleCodecOrdinaryRoundTrip(t *testing.T) {
	c := NewSimpleCodec()
	sender := idFromByte(1)
	nonce := [12]byte{1, 2, 3}
	ct := []byte("ciphertext")

	pkt := c.EncodeOrdinary(sender, nonce, ct)
	wire := pkt.ToWireBytes()

	got, err := c.Decode(wire, idFromByte(2))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.IsWhoAreYou() {
		t.Fatal("expected an ordinary packet")
	}
	if got.SenderHint() != sender {
		t.Fatalf("SenderHint = %v, want %v", got.SenderHint(), sender)
	}
	if got.Nonce() != nonce {
		t.Fatalf("Nonce = %v, want %v", got.Nonce(), nonce)
	}
	if !bytes.Equal(got.Ciphertext(), ct) {
		t.Fatalf("Ciphertext = %v, want %v", got.Ciphertext(), ct)
	}
}

func TestSimpleCodecWhoAreYouRoundTrip(t *testing.T) {
	c := NewSimpleCodec()
	sender := idFromByte(3)
	challenge := []byte("challenge-bytes")

	pkt := c.EncodeWhoAreYou(sender, challenge)
	wire := pkt.ToWireBytes()

	got, err := c.Decode(wire, idFromByte(4))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.IsWhoAreYou() {
		t.Fatal("expected a whoareyou packet")
	}
	if !bytes.Equal(got.Challenge(), challenge) {
		t.Fatalf("Challenge = %v, want %v", got.Challenge(), challenge)
	}
}

func TestSimpleCodecDecodeRejectsShortDatagram(t *testing.T) {
	c := NewSimpleCodec()
	if _, err := c.Decode([]byte{0, 1, 2}, idFromByte(1)); err == nil {
		t.Fatal("expected an error for a too-short datagram")
	}
}

func TestSimpleCodecDeriveKeysSymmetric(t *testing.T) {
	c := NewSimpleCodec()
	initiator := idFromByte(1)
	responder := idFromByte(2)
	challenge := []byte("shared-challenge")

	initSend, initRecv, initSID, err := c.DeriveKeys(initiator, responder, challenge, true)
	if err != nil {
		t.Fatalf("DeriveKeys (initiator): %v", err)
	}
	respSend, respRecv, respSID, err := c.DeriveKeys(responder, initiator, challenge, false)
	if err != nil {
		t.Fatalf("DeriveKeys (responder): %v", err)
	}

	if !bytes.Equal(initSend, respRecv) {
		t.Fatal("initiator send key must equal responder recv key")
	}
	if !bytes.Equal(initRecv, respSend) {
		t.Fatal("initiator recv key must equal responder send key")
	}
	if initSID != respSID {
		t.Fatal("both sides must derive the same session ID")
	}
}
