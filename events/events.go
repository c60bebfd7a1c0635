// Package events implements the client's observer surface (spec.md §6):
// a configurable event bus publishing session/pipeline transitions to
// observers and tests. Adapted from the teacher's pkg/node EventBus.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eth2030/discv5/nodeid"
)

// Type identifies the kind of event published on the bus. Names match
// spec.md §6's required minimum surface.
type Type string

const (
	// Listening fires once the UDP socket is bound, carrying the
	// configured listen address as a string.
	Listening Type = "listening"
	// SessionCreated fires when the Pool creates a session for a peer,
	// carrying the peer's node ID as its hex string (nodeid.ID.String).
	SessionCreated Type = "session_created"
	// HandshakeComplete fires on the Initiating/Responding -> Established
	// transition, carrying the peer's node ID as its hex string.
	HandshakeComplete Type = "handshake_complete"
	// SessionTerminated fires when a session is torn down, carrying a
	// SessionTerminatedData.
	SessionTerminated Type = "session_terminated"
	// PacketDiscarded fires when an inbound datagram/envelope is dropped,
	// carrying a PacketDiscardedData.
	PacketDiscarded Type = "packet_discarded"
	// UnhandledMessage fires when the dispatcher cannot route an inbound
	// message to any subscription or handler, carrying an
	// UnhandledMessageData.
	UnhandledMessage Type = "unhandled_message"
	// SessionMismatch fires when an inbound envelope cannot be matched to
	// any session state and is not a recognized handshake start
	// (spec.md §4.3 step 4).
	SessionMismatch Type = "session_mismatch"
)

// Event is a message published on the event bus.
type Event struct {
	Type      Type
	Data      any
	Timestamp time.Time
}

// Subscription is a live queue receiving events matching a filter.
type Subscription struct {
	id     uint64
	types  map[Type]struct{}
	ch     chan Event
	bus    *Bus
	closed atomic.Bool
}

// Chan returns a read-only channel delivering matching events.
func (s *Subscription) Chan() <-chan Event { return s.ch }

// Unsubscribe removes this subscription from the bus. Safe to call
// multiple times.
func (s *Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.Unsubscribe(s)
	}
}

// Bus provides publish/subscribe for loosely-coupled observers. All
// methods are safe for concurrent use.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	closed     bool
}

// NewBus creates an event bus. bufferSize controls each subscription's
// channel buffer; use 0 for unbuffered.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{subs: make(map[uint64]*Subscription), bufferSize: bufferSize}
}

// Subscribe creates a subscription receiving events of any of the given
// types. An empty list subscribes to everything.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub := &Subscription{ch: make(chan Event), types: map[Type]struct{}{}}
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}

	b.nextID++
	id := b.nextID
	typeSet := make(map[Type]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}
	sub := &Subscription{id: id, types: typeSet, ch: make(chan Event, b.bufferSize), bus: b}
	b.subs[id] = sub
	return sub
}

// Unsubscribe removes sub from the bus and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	close(sub.ch)
}

func (s *Subscription) matches(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Publish delivers an event to every matching subscriber without
// blocking; a full subscriber channel drops the event for that
// subscriber rather than stall the publisher (the publisher is always a
// protocol component on the hot path, never something allowed to block
// on a slow observer).
func (b *Bus) Publish(t Type, data any) {
	ev := Event{Type: t, Data: data, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.closed.Load() || !sub.matches(t) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close shuts down the bus; all subscription channels are closed and no
// further events are published.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	toClose := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		toClose = append(toClose, sub)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range toClose {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
}

// SessionTerminatedData is the payload of a SessionTerminated event
// (spec.md §6: session_terminated(node_id, reason)).
type SessionTerminatedData struct {
	NodeID nodeid.ID
	Reason string
}

// PacketDiscardedData is the payload of a PacketDiscarded event
// (spec.md §6: packet_discarded(endpoint, reason)).
type PacketDiscardedData struct {
	Endpoint nodeid.Endpoint
	Reason   string
}

// UnhandledMessageData is the payload of an UnhandledMessage event
// (spec.md §6: unhandled_message(sender_node_id, message_type)).
type UnhandledMessageData struct {
	SenderNodeID nodeid.ID
	MessageType  byte
}

// SessionMismatchData is the payload of a SessionMismatch event.
type SessionMismatchData struct {
	Endpoint string
}
