package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/eth2030/discv5/log"
)

func mustListen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return conn
}

func TestDatagramSenderReceiverRoundTrip(t *testing.T) {
	a := mustListen(t)
	defer a.Close()
	b := mustListen(t)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lg := log.New(0)

	inA := make(chan Datagram, 1)
	go DatagramReceiver(ctx, a, inA, lg)

	outB := make(chan Datagram, 1)
	go DatagramSender(ctx, b, outB, lg)

	aAddr := a.LocalAddr().(*net.UDPAddr)
	ep, ok := endpointFromAddr(aAddr)
	if !ok {
		t.Fatalf("endpointFromAddr failed for %v", aAddr)
	}

	outB <- Datagram{Data: []byte("hello"), Endpoint: ep}

	select {
	case dg := <-inA:
		if string(dg.Data) != "hello" {
			t.Fatalf("received %q, want %q", dg.Data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestBindReturnsUsableSocket(t *testing.T) {
	sock, err := Bind(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer sock.Close()
	if sock.LocalAddr() == nil {
		t.Fatal("expected a non-nil LocalAddr")
	}
}
