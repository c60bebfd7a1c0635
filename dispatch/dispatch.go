// Package dispatch implements the message dispatcher (spec.md §4.4): a
// scoped pending-request table with timeout expiry, and the routing
// algorithm that decides whether an inbound message completes a
// subscription or falls to a request handler. The bookkeeping pattern —
// mutex-guarded map, per-request deadline, a background sweep loop
// closing timed-out channels — is grounded on the teacher's
// pkg/p2p/RequestManager, generalized from a single global ID space to
// one scoped per peer (spec.md §3: "request_id is scoped to the
// (peer, id) pair, not globally unique").
package dispatch

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eth2030/discv5/events"
	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/message"
	"github.com/eth2030/discv5/nodeid"
	"github.com/eth2030/discv5/protoerr"
	"github.com/eth2030/discv5/session"
)

// RequestResponseTimeout is the fixed deadline after which an
// unanswered request's subscription resolves with a RequestTimeout
// (spec.md §9 constant REQUEST_RESPONSE_TIMEOUT).
const RequestResponseTimeout = 10 * time.Second

// maxIDCollisionRetries bounds the random-draw attempts before
// reserve_request_id falls back to a deterministic scan (spec.md §4.4).
const maxIDCollisionRetries = 10

// sweepInterval is how often the dispatcher scans for expired
// subscriptions.
const sweepInterval = 250 * time.Millisecond

// subscriptionBuffer sizes a Subscription's delivery channel so the
// dispatcher's Route loop never blocks on a slow reader for the common
// case of a multi-fragment FoundNodes/TopicQuery response (spec.md §4.4:
// "the dispatcher ... delivers every matching message").
const subscriptionBuffer = 64

// RequestHandler answers an unsolicited inbound message (Ping, FindNode,
// TalkRequest, RegisterTopic, TopicQuery) by sending a response, if any.
// Handlers run synchronously on the dispatch loop; long work
// should be handed off to a goroutine.
type RequestHandler func(ctx context.Context, from nodeid.ID, ep nodeid.Endpoint, msg *message.Message)

// Result is delivered on a Subscription's channel: exactly one of Msg or
// Err is set.
type Result struct {
	Msg *message.Message
	Err error
}

type pendingKey struct {
	peer  nodeid.ID
	reqID uint64
}

type pendingRequest struct {
	ch       chan Result
	deadline time.Time
}

// Subscription is a live stream of every response matching a (peer,
// request_id) pair (spec.md §4.4 subscribe_request). It stays
// registered, and keeps receiving every matching message — including
// every fragment of a multi-part FoundNodes/TopicQuery response — until
// the caller calls Unsubscribe or a RequestTimeout terminates it.
type Subscription struct {
	d      *Dispatcher
	key    pendingKey
	ch     chan Result
	peer   nodeid.ID
	id     uint64
	closed atomic.Bool
}

// Chan returns the channel the eventual Result arrives on.
func (s *Subscription) Chan() <-chan Result { return s.ch }

// Peer returns the peer this subscription is scoped to.
func (s *Subscription) Peer() nodeid.ID { return s.peer }

// ID returns the request ID this subscription is scoped to.
func (s *Subscription) ID() message.RequestID { return message.RequestIDFromUint64(s.id) }

// Unsubscribe tears down the subscription early, releasing the reserved
// request ID, without waiting for a response or timeout. Safe to call
// more than once and safe to call after the Result has already arrived.
func (s *Subscription) Unsubscribe() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.d.remove(s.key)
	s.d.release(s.peer, s.id)
}

// Dispatcher owns pending-request bookkeeping and inbound routing.
type Dispatcher struct {
	outbound chan<- session.OutboundMessage
	bus      *events.Bus
	log      *log.Logger

	mu       sync.Mutex
	pending  map[pendingKey]*pendingRequest
	reserved map[nodeid.ID]map[uint64]struct{}
	counter  map[nodeid.ID]uint64

	handlersMu sync.RWMutex
	handlers   map[message.Type]RequestHandler

	stop chan struct{}
	once sync.Once
}

// New builds a Dispatcher that pushes outbound sends onto outbound (the
// sixth pipeline channel, consumed by the Pool), and starts its
// background expiry sweep.
func New(outbound chan<- session.OutboundMessage, bus *events.Bus, lg *log.Logger) *Dispatcher {
	d := &Dispatcher{
		outbound: outbound,
		bus:      bus,
		log:      lg,
		pending:  make(map[pendingKey]*pendingRequest),
		reserved: make(map[nodeid.ID]map[uint64]struct{}),
		counter:  make(map[nodeid.ID]uint64),
		handlers: make(map[message.Type]RequestHandler),
		stop:     make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

// Close stops the background sweep loop and fails every subscription
// still pending with a Cancelled error, releasing its request ID.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.stop)
		d.mu.Lock()
		defer d.mu.Unlock()
		for k, req := range d.pending {
			delete(d.pending, k)
			if set, ok := d.reserved[k.peer]; ok {
				delete(set, k.reqID)
			}
			select {
			case req.ch <- Result{Err: &protoerr.Cancelled{}}:
			default:
			}
			close(req.ch)
		}
	})
}

func (d *Dispatcher) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			d.expireOverdue()
		}
	}
}

func (d *Dispatcher) expireOverdue() {
	now := time.Now()
	var expired []pendingKey
	d.mu.Lock()
	for k, req := range d.pending {
		if now.After(req.deadline) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		req := d.pending[k]
		delete(d.pending, k)
		if set, ok := d.reserved[k.peer]; ok {
			delete(set, k.reqID)
		}
		req.ch <- Result{Err: &protoerr.RequestTimeout{PeerID: k.peer.String(), RequestID: message.RequestIDFromUint64(k.reqID).String()}}
		close(req.ch)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) remove(key pendingKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if req, ok := d.pending[key]; ok {
		delete(d.pending, key)
		close(req.ch)
	}
}

func (d *Dispatcher) release(peer nodeid.ID, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.reserved[peer]; ok {
		delete(set, id)
	}
}

// ReserveRequestID draws a request ID unused within peer's current
// scope: up to maxIDCollisionRetries random 32-bit draws, falling back
// to a deterministic mod-2^32 scan from the peer's last-used value
// (spec.md §4.4).
func (d *Dispatcher) ReserveRequestID(peer nodeid.ID) message.RequestID {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.reserved[peer]
	if !ok {
		set = make(map[uint64]struct{})
		d.reserved[peer] = set
	}

	for i := 0; i < maxIDCollisionRetries; i++ {
		v := uint64(rand.Uint32())
		if _, collide := set[v]; !collide {
			set[v] = struct{}{}
			return message.RequestIDFromUint64(v)
		}
	}

	counter := d.counter[peer]
	for {
		counter = (counter + 1) % (1 << 32)
		if _, collide := set[counter]; !collide {
			set[counter] = struct{}{}
			d.counter[peer] = counter
			return message.RequestIDFromUint64(counter)
		}
	}
}

// SubscribeRequest registers a wait for responses to (peer, id),
// reserved previously via ReserveRequestID. The subscription keeps
// delivering every matching message until the caller calls Unsubscribe,
// or until RequestResponseTimeout elapses with no matching message
// arriving in that window (each delivery refreshes the deadline, so a
// slow multi-fragment response does not time out between fragments).
func (d *Dispatcher) SubscribeRequest(peer nodeid.ID, id message.RequestID) *Subscription {
	key := pendingKey{peer: peer, reqID: id.Uint64()}
	req := &pendingRequest{ch: make(chan Result, subscriptionBuffer), deadline: time.Now().Add(RequestResponseTimeout)}

	d.mu.Lock()
	d.pending[key] = req
	d.mu.Unlock()

	return &Subscription{d: d, key: key, ch: req.ch, peer: peer, id: id.Uint64()}
}

// AddRequestHandler registers the handler invoked for unsolicited
// inbound messages of the given wire type (spec.md §4.4
// add_request_handler). Registering for a type again replaces the prior
// handler.
func (d *Dispatcher) AddRequestHandler(kind message.Type, h RequestHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[kind] = h
}

// SendMessage is a fire-and-forget send (spec.md §4.4 send_message): it
// pushes onto the outbound message channel and returns without waiting
// for delivery, encryption, or any response.
func (d *Dispatcher) SendMessage(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, msg message.Message) error {
	select {
	case d.outbound <- session.OutboundMessage{To: peer, Endpoint: ep, Msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Route applies the dispatcher's routing algorithm to one decrypted
// delivery (spec.md §4.4): a matching response subscription wins first;
// otherwise a registered request handler for the message's type; if
// neither, the message is dropped and unhandled_message is emitted.
func (d *Dispatcher) Route(ctx context.Context, delivery session.Delivery) {
	key := pendingKey{peer: delivery.From, reqID: delivery.Msg.RequestID().Uint64()}

	d.mu.Lock()
	req, ok := d.pending[key]
	if ok {
		// The subscription stays registered: more fragments of the same
		// multi-part response may still be in flight. Refresh the
		// deadline so the timeout sweep measures idle time between
		// fragments, not total time since the first one.
		req.deadline = time.Now().Add(RequestResponseTimeout)
	}
	d.mu.Unlock()

	if ok {
		req.ch <- Result{Msg: delivery.Msg}
		return
	}

	d.handlersMu.RLock()
	h, ok := d.handlers[delivery.Msg.Kind]
	d.handlersMu.RUnlock()
	if ok {
		h(ctx, delivery.From, delivery.Endpoint, delivery.Msg)
		return
	}

	if d.bus != nil {
		d.bus.Publish(events.UnhandledMessage, events.UnhandledMessageData{SenderNodeID: delivery.From, MessageType: byte(delivery.Msg.Kind)})
	}
	d.log.Debug("dropping unhandled message", "from", delivery.From.String(), "kind", delivery.Msg.Kind.String())
}

// Run drains decrypted deliveries from the session pool and routes each
// one, until ctx is cancelled or deliveries is closed.
func (d *Dispatcher) Run(ctx context.Context, deliveries <-chan session.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case del, ok := <-deliveries:
			if !ok {
				return nil
			}
			d.Route(ctx, del)
		}
	}
}

// PendingCount returns the number of in-flight subscriptions, for
// metrics and tests.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
