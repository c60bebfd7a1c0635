package packet

import (
	"context"
	"testing"
	"time"

	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/nodeid"
	"github.com/eth2030/discv5/transport"
)

func TestDecoderDiscardsMalformedDatagram(t *testing.T) {
	codec := NewSimpleCodec()
	var discarded string
	dec, err := NewDecoder(codec, idFromByte(1), log.New(0), func(ep nodeid.Endpoint, reason string) {
		discarded = reason
	})
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan transport.Datagram, 1)
	out := make(chan InboundEnvelope, 1)
	go dec.Run(ctx, in, out)

	in <- transport.Datagram{Data: []byte{0, 1, 2}}

	select {
	case <-out:
		t.Fatal("malformed datagram should not produce an envelope")
	case <-time.After(100 * time.Millisecond):
	}
	if discarded == "" {
		t.Fatal("expected onDiscard to be called with a reason")
	}
}

func TestDecoderForwardsValidDatagram(t *testing.T) {
	codec := NewSimpleCodec()
	dec, err := NewDecoder(codec, idFromByte(1), log.New(0), nil)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pkt := codec.EncodeWhoAreYou(idFromByte(2), []byte("c"))

	in := make(chan transport.Datagram, 1)
	out := make(chan InboundEnvelope, 1)
	go dec.Run(ctx, in, out)

	in <- transport.Datagram{Data: pkt.ToWireBytes()}

	select {
	case env := <-out:
		if !env.Packet.IsWhoAreYou() {
			t.Fatal("expected the decoded packet to be a whoareyou")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded envelope")
	}
}

func TestEncoderSerializesEnvelope(t *testing.T) {
	enc := NewEncoder()
	codec := NewSimpleCodec()
	pkt := codec.EncodeOrdinary(idFromByte(1), [12]byte{1}, []byte("ct"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan OutboundEnvelope, 1)
	out := make(chan transport.Datagram, 1)
	go enc.Run(ctx, in, out)

	in <- OutboundEnvelope{Packet: pkt}

	select {
	case dg := <-out:
		if len(dg.Data) == 0 {
			t.Fatal("expected non-empty encoded datagram")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for encoded datagram")
	}
}

func TestNewDecoderRejectsNilCodec(t *testing.T) {
	if _, err := NewDecoder(nil, idFromByte(1), log.New(0), nil); err != ErrNilCodec {
		t.Fatalf("NewDecoder err = %v, want ErrNilCodec", err)
	}
}
