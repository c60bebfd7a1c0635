package session

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/eth2030/discv5/events"
	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/message"
	"github.com/eth2030/discv5/nodeid"
	"github.com/eth2030/discv5/packet"
)

func testEndpoint(port uint16) nodeid.Endpoint {
	return nodeid.Endpoint{Addr: netip.MustParseAddr("127.0.0.1"), Port: port}
}

func mustID(b byte) nodeid.ID {
	var id nodeid.ID
	id[0] = b
	return id
}

// TestSessionEncryptDecryptRoundTrip establishes a session pair by hand
// (bypassing the Pool's handshake) and checks that messages sealed on
// one side open cleanly on the other, in both directions.
func TestSessionEncryptDecryptRoundTrip(t *testing.T) {
	codec := packet.NewSimpleCodec()
	alice := mustID(1)
	bob := mustID(2)
	challenge := []byte("challenge-bytes-for-test-only!!")

	aliceSend, aliceRecv, aliceSID, err := codec.DeriveKeys(alice, bob, challenge, true)
	if err != nil {
		t.Fatalf("DeriveKeys(initiator): %v", err)
	}
	bobSend, bobRecv, bobSID, err := codec.DeriveKeys(bob, alice, challenge, false)
	if err != nil {
		t.Fatalf("DeriveKeys(responder): %v", err)
	}
	if aliceSID != bobSID {
		t.Fatalf("session IDs diverged: %x != %x", aliceSID, bobSID)
	}

	sa := newPending(bob, testEndpoint(30303), true)
	if err := sa.Establish(aliceSend, aliceRecv, aliceSID); err != nil {
		t.Fatalf("alice Establish: %v", err)
	}
	sb := newPending(alice, testEndpoint(30304), false)
	if err := sb.Establish(bobSend, bobRecv, bobSID); err != nil {
		t.Fatalf("bob Establish: %v", err)
	}

	plaintext := []byte("ping request_id=1")
	nonce, ciphertext, err := sa.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("alice Encrypt: %v", err)
	}
	got, err := sb.Decrypt(nonce, ciphertext)
	if err != nil {
		t.Fatalf("bob Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}

	// Replaying the same (nonce, ciphertext) must be rejected.
	if _, err := sb.Decrypt(nonce, ciphertext); err != ErrReplay {
		t.Fatalf("expected ErrReplay on replay, got %v", err)
	}
}

// TestSessionEncryptBeforeEstablish checks the not-established guard.
func TestSessionEncryptBeforeEstablish(t *testing.T) {
	s := newPending(mustID(9), testEndpoint(1), true)
	if _, _, err := s.Encrypt([]byte("x")); err != ErrNotEstablished {
		t.Fatalf("expected ErrNotEstablished, got %v", err)
	}
}

// TestSessionBufferOverflowDropsOldest checks the bounded pending queue.
func TestSessionBufferOverflowDropsOldest(t *testing.T) {
	s := newPending(mustID(9), testEndpoint(1), true)
	for i := 0; i < pendingQueueSize+5; i++ {
		s.Buffer(message.Message{Kind: message.TypePing, Ping: &message.Ping{RequestID: []byte{byte(i)}}}, testEndpoint(1))
	}
	drained := s.DrainPending()
	if len(drained) != pendingQueueSize {
		t.Fatalf("expected %d buffered messages, got %d", pendingQueueSize, len(drained))
	}
	first := drained[0].msg.Ping.RequestID[0]
	if int(first) != 5 {
		t.Fatalf("expected oldest-5-dropped, first surviving request_id byte = %d", first)
	}
}

// TestPoolHandshakeEndToEnd drives two Pools through a full
// initiator/responder handshake using SimpleCodec and checks that a
// buffered ping is delivered once the session establishes.
func TestPoolHandshakeEndToEnd(t *testing.T) {
	codec := packet.NewSimpleCodec()
	registry := message.NewRegistry()
	lg := log.Default()
	busA := events.NewBus(16)
	busB := events.NewBus(16)

	alice := mustID(1)
	bob := mustID(2)
	aliceEp := testEndpoint(30303)
	bobEp := testEndpoint(30304)

	poolA := NewPool(alice, codec, registry, nil, busA, lg)
	poolB := NewPool(bob, codec, registry, nil, busB, lg)

	outA := make(chan packet.OutboundEnvelope, 8)
	outB := make(chan packet.OutboundEnvelope, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ping := message.Message{Kind: message.TypePing, Ping: &message.Ping{RequestID: message.RequestIDFromUint64(1).Bytes(), EnrSeq: 1}}
	if err := poolA.Send(ctx, bob, bobEp, ping, outA); err != nil {
		t.Fatalf("poolA.Send: %v", err)
	}

	// Step 1: Alice's WhoAreYou arrives at Bob.
	whoareyouPkt := <-outA
	env := packet.InboundEnvelope{Packet: whoareyouPkt.Packet, Endpoint: aliceEp}
	if _, err := poolB.HandleInbound(ctx, env, outB); err != nil {
		t.Fatalf("poolB.HandleInbound(whoareyou): %v", err)
	}

	// Step 2: Bob's echoed WhoAreYou arrives back at Alice, completing her
	// handshake and flushing the buffered ping.
	echoPkt := <-outB
	env2 := packet.InboundEnvelope{Packet: echoPkt.Packet, Endpoint: bobEp}
	if _, err := poolA.HandleInbound(ctx, env2, outA); err != nil {
		t.Fatalf("poolA.HandleInbound(echo): %v", err)
	}

	// Step 3: Alice's flushed ordinary packet arrives at Bob and decrypts.
	var pingPkt packet.OutboundEnvelope
	select {
	case pingPkt = <-outA:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flushed ping packet")
	}
	env3 := packet.InboundEnvelope{Packet: pingPkt.Packet, Endpoint: aliceEp}
	delivery, err := poolB.HandleInbound(ctx, env3, outB)
	if err != nil {
		t.Fatalf("poolB.HandleInbound(ping): %v", err)
	}
	if delivery == nil {
		t.Fatal("expected a delivery for the flushed ping, got nil")
	}
	if delivery.Msg.Kind != message.TypePing {
		t.Fatalf("expected TypePing, got %v", delivery.Msg.Kind)
	}
	if delivery.From != alice {
		t.Fatalf("expected sender alice, got %v", delivery.From)
	}
	if poolB.SessionCount() != 1 {
		t.Fatalf("expected bob to have 1 session, got %d", poolB.SessionCount())
	}
	if poolA.SessionCount() != 1 {
		t.Fatalf("expected alice to have 1 session, got %d", poolA.SessionCount())
	}
}
