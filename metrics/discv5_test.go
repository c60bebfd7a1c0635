package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/eth2030/discv5/events"
)

func TestDiscv5MetricsCountsHandshakeAndDiscard(t *testing.T) {
	bus := events.NewBus(8)
	m := NewDiscv5Metrics(bus)

	bus.Publish(events.HandshakeComplete, "0xabc")
	bus.Publish(events.PacketDiscarded, events.PacketDiscardedData{Reason: "bad nonce"})
	bus.Publish(events.UnhandledMessage, events.UnhandledMessageData{MessageType: 3})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.SessionsEstablished.Value() == 1 && m.PacketsDiscarded.Value() == 1 && m.MessagesUnhandled.Value() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if got := m.SessionsEstablished.Value(); got != 1 {
		t.Fatalf("SessionsEstablished = %d, want 1", got)
	}
	if got := m.SessionsActive.Value(); got != 1 {
		t.Fatalf("SessionsActive = %d, want 1", got)
	}
	if got := m.PacketsDiscarded.Value(); got != 1 {
		t.Fatalf("PacketsDiscarded = %d, want 1", got)
	}
	if got := m.MessagesUnhandled.Value(); got != 1 {
		t.Fatalf("MessagesUnhandled = %d, want 1", got)
	}

	text := m.WriteText()
	if !strings.Contains(text, "discv5_sessions_established_total 1") {
		t.Fatalf("expected exposition text to contain established count, got:\n%s", text)
	}
}
