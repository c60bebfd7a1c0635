package session

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/eth2030/discv5/events"
	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/message"
	"github.com/eth2030/discv5/nodedb"
	"github.com/eth2030/discv5/nodeid"
	"github.com/eth2030/discv5/packet"
	"github.com/eth2030/discv5/protoerr"
)

// numShards is the number of independently-locked session buckets
// (spec.md §9: "introduce one lock per peer rather than a single
// pool-wide mutex"). Go-idiomatically this is a fixed shard count hashed
// by node ID via xxhash, rather than a literal per-peer mutex, avoiding
// unbounded lock allocation while still letting unrelated peers proceed
// concurrently.
const numShards = 32

// challengeSize is the length, in bytes, of the random handshake
// challenge exchanged via WhoAreYou packets.
const challengeSize = 32

// handshakeRateLimit and handshakeBurst bound how often this node will
// originate new handshakes, node-wide, as a simple anti-flood measure
// (spec.md §9 "resource exhaustion under load" discussion).
const (
	handshakeRateLimit rate.Limit = 50
	handshakeBurst                = 100
)

type shard struct {
	mu       sync.Mutex
	sessions map[nodeid.ID]*Session
}

// Delivery is a decrypted, authenticated message handed to the
// dispatcher, paired with the peer it came from.
type Delivery struct {
	From     nodeid.ID
	Endpoint nodeid.Endpoint
	Msg      *message.Message
}

// OutboundMessage is what the dispatcher's send_message pushes onto the
// outbound message channel for the Pool to encrypt (spec.md §4.4/§5):
// the sixth and last of the pipeline's bounded channels.
type OutboundMessage struct {
	To       nodeid.ID
	Endpoint nodeid.Endpoint
	Msg      message.Message
}

// Pool is the session pool (spec.md §4.3): owns every Session, drives
// handshake establishment, and is the sole boundary between the
// envelope layer and decrypted application messages.
type Pool struct {
	localID  nodeid.ID
	codec    packet.Codec
	registry *message.Registry
	db       nodedb.NodeDB
	bus      *events.Bus
	log      *log.Logger

	shards  [numShards]*shard
	limiter *rate.Limiter

	pendingMu sync.Mutex
	pending   map[nodeid.ID][]byte // peer -> challenge we sent as initiator
}

// NewPool builds a Pool. db and bus may be nil.
func NewPool(localID nodeid.ID, codec packet.Codec, registry *message.Registry, db nodedb.NodeDB, bus *events.Bus, lg *log.Logger) *Pool {
	p := &Pool{
		localID:  localID,
		codec:    codec,
		registry: registry,
		db:       db,
		bus:      bus,
		log:      lg,
		limiter:  rate.NewLimiter(handshakeRateLimit, handshakeBurst),
		pending:  make(map[nodeid.ID][]byte),
	}
	for i := range p.shards {
		p.shards[i] = &shard{sessions: make(map[nodeid.ID]*Session)}
	}
	return p
}

func (p *Pool) shardFor(id nodeid.ID) *shard {
	h := xxhash.Sum64(id[:])
	return p.shards[h%uint64(numShards)]
}

func (p *Pool) emit(t events.Type, data any) {
	if p.bus != nil {
		p.bus.Publish(t, data)
	}
}

// sessionFor returns the existing session for peer, if any.
func (p *Pool) sessionFor(peer nodeid.ID) (*Session, bool) {
	sh := p.shardFor(peer)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[peer]
	return s, ok
}

func (p *Pool) store(peer nodeid.ID, s *Session) {
	sh := p.shardFor(peer)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sessions[peer] = s
}

// Send delivers msg to peer, encrypting under an established session or
// buffering and initiating a handshake otherwise (spec.md §4.3).
func (p *Pool) Send(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, msg message.Message, out chan<- packet.OutboundEnvelope) error {
	s, ok := p.sessionFor(peer)
	if ok {
		s.UpdateEndpoint(ep)
		if s.State() == Established {
			return p.sendEncrypted(ctx, s, peer, ep, msg, out)
		}
		s.Buffer(msg, ep)
		return nil
	}

	if !p.limiter.Allow() {
		return &protoerr.PeerUnreachable{PeerID: peer.String()}
	}

	s = newPending(peer, ep, true)
	p.store(peer, s)
	p.emit(events.SessionCreated, peer.String())
	s.Buffer(msg, ep)
	return p.initiateHandshake(ctx, peer, ep, out)
}

func (p *Pool) initiateHandshake(ctx context.Context, peer nodeid.ID, ep nodeid.Endpoint, out chan<- packet.OutboundEnvelope) error {
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}
	p.pendingMu.Lock()
	p.pending[peer] = challenge
	p.pendingMu.Unlock()

	pkt := p.codec.EncodeWhoAreYou(p.localID, challenge)
	env := packet.OutboundEnvelope{Packet: pkt, Endpoint: ep}
	select {
	case out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) sendEncrypted(ctx context.Context, s *Session, peer nodeid.ID, ep nodeid.Endpoint, msg message.Message, out chan<- packet.OutboundEnvelope) error {
	payload, err := p.registry.Encode(&msg)
	if err != nil {
		return err
	}
	full := append([]byte{byte(msg.Kind)}, payload...)
	nonce, ciphertext, err := s.Encrypt(full)
	if err != nil {
		return err
	}
	pkt := p.codec.EncodeOrdinary(p.localID, nonce, ciphertext)
	env := packet.OutboundEnvelope{Packet: pkt, Endpoint: ep}
	select {
	case out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushPending sends every message buffered on s once it becomes
// Established.
func (p *Pool) flushPending(ctx context.Context, s *Session, peer nodeid.ID, out chan<- packet.OutboundEnvelope) {
	for _, pm := range s.DrainPending() {
		if err := p.sendEncrypted(ctx, s, peer, pm.to, pm.msg, out); err != nil {
			p.log.Warn("failed to flush buffered message", "peer", peer.String(), "err", err)
		}
	}
}

// HandleInbound processes one inbound envelope, driving handshake
// transitions and returning a Delivery for any fully-decrypted message.
// A nil Delivery with a nil error means the envelope was handshake
// protocol traffic, or was discarded (a packet_discarded event is emitted
// for it), not a delivered application message.
func (p *Pool) HandleInbound(ctx context.Context, env packet.InboundEnvelope, out chan<- packet.OutboundEnvelope) (*Delivery, error) {
	pkt := env.Packet
	sender := pkt.SenderHint()

	if pkt.IsWhoAreYou() {
		return nil, p.handleWhoAreYou(ctx, sender, env.Endpoint, pkt.Challenge(), out)
	}
	return p.handleOrdinary(sender, env.Endpoint, pkt)
}

func (p *Pool) handleWhoAreYou(ctx context.Context, sender nodeid.ID, ep nodeid.Endpoint, challenge []byte, out chan<- packet.OutboundEnvelope) error {
	s, ok := p.sessionFor(sender)

	if ok && s.State() == Initiating {
		// Our own handshake-initiation echoed back: complete as initiator.
		sendKey, recvKey, sessionID, err := p.codec.DeriveKeys(p.localID, sender, challenge, true)
		if err != nil {
			p.emit(events.SessionTerminated, events.SessionTerminatedData{NodeID: sender, Reason: err.Error()})
			return err
		}
		if err := s.Establish(sendKey, recvKey, sessionID); err != nil {
			return err
		}
		p.pendingMu.Lock()
		delete(p.pending, sender)
		p.pendingMu.Unlock()
		p.emit(events.HandshakeComplete, sender.String())
		p.flushPending(ctx, s, sender, out)
		return nil
	}

	// A peer initiating a handshake with us: become the responder.
	ns := newPending(sender, ep, false)
	sendKey, recvKey, sessionID, err := p.codec.DeriveKeys(p.localID, sender, challenge, false)
	if err != nil {
		return err
	}
	if err := ns.Establish(sendKey, recvKey, sessionID); err != nil {
		return err
	}
	p.store(sender, ns)
	p.emit(events.SessionCreated, sender.String())
	p.emit(events.HandshakeComplete, sender.String())

	ack := p.codec.EncodeWhoAreYou(p.localID, challenge)
	envOut := packet.OutboundEnvelope{Packet: ack, Endpoint: ep}
	select {
	case out <- envOut:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) handleOrdinary(sender nodeid.ID, ep nodeid.Endpoint, pkt packet.Packet) (*Delivery, error) {
	s, ok := p.sessionFor(sender)
	if !ok || s.State() != Established {
		p.emit(events.SessionMismatch, events.SessionMismatchData{Endpoint: ep.String()})
		p.emit(events.PacketDiscarded, events.PacketDiscardedData{Endpoint: ep, Reason: "no established session for sender"})
		return nil, nil
	}
	plaintext, err := s.Decrypt(pkt.Nonce(), pkt.Ciphertext())
	if err != nil {
		reason := err.Error()
		if errors.Is(err, ErrReplay) {
			reason = "replayed nonce"
		}
		p.emit(events.PacketDiscarded, events.PacketDiscardedData{Endpoint: ep, Reason: reason})
		return nil, nil
	}
	s.UpdateEndpoint(ep)
	if len(plaintext) < 1 {
		p.emit(events.PacketDiscarded, events.PacketDiscardedData{Endpoint: ep, Reason: "empty message payload"})
		return nil, nil
	}

	kind := message.Type(plaintext[0])
	msg, err := p.registry.Decode(kind, plaintext[1:])
	if err != nil {
		p.emit(events.PacketDiscarded, events.PacketDiscardedData{Endpoint: ep, Reason: err.Error()})
		return nil, nil
	}
	return &Delivery{From: sender, Endpoint: ep, Msg: msg}, nil
}

// RunOutbound drains messages the dispatcher hands off for sending,
// encrypting-or-buffering each one via Send, until ctx is cancelled or
// in is closed.
func (p *Pool) RunOutbound(ctx context.Context, in <-chan OutboundMessage, out chan<- packet.OutboundEnvelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case om, ok := <-in:
			if !ok {
				return nil
			}
			if err := p.Send(ctx, om.To, om.Endpoint, om.Msg, out); err != nil {
				p.log.Warn("failed to send outbound message", "to", om.To.String(), "err", err)
			}
		}
	}
}

// Run drains inbound envelopes, feeding decrypted Deliveries to deliver
// and any handshake response traffic to out, until ctx is cancelled or
// in is closed.
func (p *Pool) Run(ctx context.Context, in <-chan packet.InboundEnvelope, out chan<- packet.OutboundEnvelope, deliver chan<- Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			d, err := p.HandleInbound(ctx, env, out)
			if err != nil {
				p.log.Warn("session pool error", "err", err)
				continue
			}
			if d == nil {
				continue
			}
			select {
			case deliver <- *d:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Terminate ends the session with peer, if one exists, and emits
// session_terminated.
func (p *Pool) Terminate(peer nodeid.ID, reason string) {
	sh := p.shardFor(peer)
	sh.mu.Lock()
	s, ok := sh.sessions[peer]
	if ok {
		delete(sh.sessions, peer)
	}
	sh.mu.Unlock()
	if ok {
		s.Terminate()
		p.emit(events.SessionTerminated, events.SessionTerminatedData{NodeID: peer, Reason: reason})
	}
}

// SessionCount returns the number of tracked sessions, for metrics.
func (p *Pool) SessionCount() int {
	n := 0
	for _, sh := range p.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// SweepExpired terminates every session that has been idle past ttl,
// freeing peers that never completed or maintained a handshake. Called
// periodically from the client's maintenance loop.
func (p *Pool) SweepExpired(ttl time.Duration) {
	type idleSession struct {
		peer nodeid.ID
		s    *Session
	}
	for _, sh := range p.shards {
		sh.mu.Lock()
		var expired []idleSession
		for peer, s := range sh.sessions {
			if s.IdleSince(ttl) {
				expired = append(expired, idleSession{peer: peer, s: s})
				delete(sh.sessions, peer)
			}
		}
		sh.mu.Unlock()

		for _, e := range expired {
			e.s.Terminate()
			p.emit(events.SessionTerminated, events.SessionTerminatedData{NodeID: e.peer, Reason: "idle timeout"})
		}
	}
}
