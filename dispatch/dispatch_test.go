package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/eth2030/discv5/events"
	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/message"
	"github.com/eth2030/discv5/nodeid"
	"github.com/eth2030/discv5/session"
)

func mustID(b byte) nodeid.ID {
	var id nodeid.ID
	id[0] = b
	return id
}

func TestReserveRequestIDIsUniquePerPeer(t *testing.T) {
	d := New(nil, nil, log.Default())
	defer d.Close()
	peer := mustID(1)

	seen := make(map[uint64]struct{})
	for i := 0; i < 200; i++ {
		id := d.ReserveRequestID(peer)
		if _, dup := seen[id.Uint64()]; dup {
			t.Fatalf("reserved duplicate request id %s", id)
		}
		seen[id.Uint64()] = struct{}{}
	}
}

func TestSubscribeRequestDeliversMatchingResponse(t *testing.T) {
	d := New(nil, nil, log.Default())
	defer d.Close()
	peer := mustID(2)

	id := d.ReserveRequestID(peer)
	sub := d.SubscribeRequest(peer, id)
	defer sub.Unsubscribe()

	pong := &message.Message{Kind: message.TypePong, Pong: &message.Pong{RequestID: id.Bytes(), EnrSeq: 3}}
	d.Route(context.Background(), session.Delivery{From: peer, Msg: pong})

	select {
	case res := <-sub.Chan():
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if res.Msg.Kind != message.TypePong {
			t.Fatalf("expected TypePong, got %v", res.Msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed response")
	}
	if d.PendingCount() != 1 {
		t.Fatalf("expected subscription to stay registered after one delivery, got %d pending", d.PendingCount())
	}
	sub.Unsubscribe()
	if d.PendingCount() != 0 {
		t.Fatalf("expected 0 pending after Unsubscribe, got %d", d.PendingCount())
	}
}

func TestSubscribeRequestDeliversMultipleFragmentsOnOneSubscription(t *testing.T) {
	d := New(nil, nil, log.Default())
	defer d.Close()
	peer := mustID(6)

	id := d.ReserveRequestID(peer)
	sub := d.SubscribeRequest(peer, id)
	defer sub.Unsubscribe()

	for i := 0; i < 3; i++ {
		fn := &message.Message{Kind: message.TypeFoundNodes, FoundNodes: &message.FoundNodes{RequestID: id.Bytes(), Total: 3}}
		d.Route(context.Background(), session.Delivery{From: peer, Msg: fn})
	}

	for i := 0; i < 3; i++ {
		select {
		case res := <-sub.Chan():
			if res.Err != nil {
				t.Fatalf("unexpected error on fragment %d: %v", i, res.Err)
			}
			if res.Msg.Kind != message.TypeFoundNodes {
				t.Fatalf("fragment %d: expected TypeFoundNodes, got %v", i, res.Msg.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for fragment %d", i)
		}
	}
	if d.PendingCount() != 1 {
		t.Fatalf("expected subscription to still be pending after all fragments, got %d", d.PendingCount())
	}
}

func TestRouteUnsolicitedMessageGoesToHandler(t *testing.T) {
	d := New(nil, nil, log.Default())
	defer d.Close()
	peer := mustID(3)

	handled := make(chan *message.Message, 1)
	d.AddRequestHandler(message.TypePing, func(_ context.Context, from nodeid.ID, _ nodeid.Endpoint, msg *message.Message) {
		handled <- msg
	})

	ping := &message.Message{Kind: message.TypePing, Ping: &message.Ping{RequestID: message.RequestIDFromUint64(7).Bytes(), EnrSeq: 1}}
	d.Route(context.Background(), session.Delivery{From: peer, Msg: ping})

	select {
	case got := <-handled:
		if got.Kind != message.TypePing {
			t.Fatalf("expected TypePing, got %v", got.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestRouteWithoutHandlerOrSubscriptionEmitsUnhandled(t *testing.T) {
	bus := events.NewBus(4)
	sub := bus.Subscribe(events.UnhandledMessage)
	defer sub.Unsubscribe()

	d := New(nil, bus, log.Default())
	defer d.Close()
	peer := mustID(4)

	talk := &message.Message{Kind: message.TypeTalkRequest, TalkRequest: &message.TalkRequest{RequestID: message.RequestIDFromUint64(1).Bytes(), Protocol: []byte("p"), Request: []byte("r")}}
	d.Route(context.Background(), session.Delivery{From: peer, Msg: talk})

	select {
	case ev := <-sub.Chan():
		data, ok := ev.Data.(events.UnhandledMessageData)
		if !ok {
			t.Fatalf("unexpected event payload type %T", ev.Data)
		}
		if data.MessageType != byte(message.TypeTalkRequest) {
			t.Fatalf("expected message type %d, got %d", message.TypeTalkRequest, data.MessageType)
		}
		if data.SenderNodeID != peer {
			t.Fatalf("expected sender node id %s, got %s", peer, data.SenderNodeID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected unhandled_message event")
	}
}

func TestSubscriptionTimesOutAfterDeadline(t *testing.T) {
	d := New(nil, nil, log.Default())
	defer d.Close()
	peer := mustID(5)

	id := d.ReserveRequestID(peer)
	sub := d.SubscribeRequest(peer, id)
	key := sub.key

	// Force an immediate deadline rather than waiting 10 seconds.
	d.mu.Lock()
	d.pending[key].deadline = time.Now().Add(-time.Millisecond)
	d.mu.Unlock()

	select {
	case res := <-sub.Chan():
		if res.Err == nil {
			t.Fatal("expected a timeout error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected sweep loop to expire the subscription")
	}
}
