package metrics

import (
	"net/http"

	"github.com/eth2030/discv5/events"
)

// Discv5Metrics is the fixed metric set a Client exposes, wired to its
// event bus (spec.md §6 observer surface). Construct once per Client.
type Discv5Metrics struct {
	reg *Registry

	SessionsEstablished *Counter
	SessionsTerminated  *Counter
	SessionsActive      *Gauge
	PacketsDiscarded    *Counter
	MessagesUnhandled   *Counter
}

// NewDiscv5Metrics builds the metric set and subscribes it to bus. The
// subscription is never unsubscribed; it lives as long as the metrics
// object, matching the client's own lifetime.
func NewDiscv5Metrics(bus *events.Bus) *Discv5Metrics {
	reg := NewRegistry()
	m := &Discv5Metrics{
		reg:                 reg,
		SessionsEstablished: reg.Counter("discv5_sessions_established_total", "Number of sessions that completed their handshake."),
		SessionsTerminated:  reg.Counter("discv5_sessions_terminated_total", "Number of sessions torn down."),
		SessionsActive:      reg.Gauge("discv5_sessions_active", "Number of sessions currently tracked by the pool."),
		PacketsDiscarded:    reg.Counter("discv5_packets_discarded_total", "Number of inbound datagrams or envelopes dropped."),
		MessagesUnhandled:   reg.Counter("discv5_messages_unhandled_total", "Number of inbound messages the dispatcher could not route."),
	}
	if bus != nil {
		sub := bus.Subscribe(events.HandshakeComplete, events.SessionTerminated, events.PacketDiscarded, events.UnhandledMessage)
		go m.consume(sub)
	}
	return m
}

func (m *Discv5Metrics) consume(sub *events.Subscription) {
	for ev := range sub.Chan() {
		switch ev.Type {
		case events.HandshakeComplete:
			m.SessionsEstablished.Inc()
			m.SessionsActive.Inc()
		case events.SessionTerminated:
			m.SessionsTerminated.Inc()
			m.SessionsActive.Dec()
		case events.PacketDiscarded:
			m.PacketsDiscarded.Inc()
		case events.UnhandledMessage:
			m.MessagesUnhandled.Inc()
		}
	}
}

// WriteText renders the current metric set in Prometheus text exposition
// format.
func (m *Discv5Metrics) WriteText() string { return m.reg.WriteText() }

// Handler serves the current metric set at /metrics, mirroring the
// teacher's own hand-rolled exporter rather than a third-party HTTP
// metrics server.
func (m *Discv5Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(m.WriteText()))
	})
	return mux
}
