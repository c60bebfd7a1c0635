// Package client implements the Client facade (spec.md §4.5): the
// public entry point that wires the transport, packet, session, and
// dispatch stages into the six-channel pipeline and exposes the
// correlated request/response operations. The task-group lifecycle
// pattern — one errgroup per pipeline, cancellation propagated to every
// stage — is grounded on NLipatov-TunGo's client_routing.Router, the
// only repo in the pack that drives a bidirectional I/O pipeline with
// golang.org/x/sync/errgroup.
package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eth2030/discv5/dispatch"
	"github.com/eth2030/discv5/events"
	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/message"
	"github.com/eth2030/discv5/metrics"
	"github.com/eth2030/discv5/nodedb"
	"github.com/eth2030/discv5/nodeid"
	"github.com/eth2030/discv5/packet"
	"github.com/eth2030/discv5/protoerr"
	"github.com/eth2030/discv5/session"
	"github.com/eth2030/discv5/transport"
)

// channelCapacity is the fixed size of all six pipeline channels
// (spec.md §5 constant: channel capacity = 256).
const channelCapacity = 256

// sessionSweepInterval and sessionIdleTimeout bound how often, and how
// aggressively, the Client reclaims sessions that stalled mid-handshake
// or went quiet without a clean Terminate.
const (
	sessionSweepInterval = 30 * time.Second
	sessionIdleTimeout   = 5 * time.Minute
)

// State is the Client's lifecycle position (spec.md §4.5).
type State int32

const (
	Constructed State = iota
	Listening
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "constructed"
	case Listening:
		return "listening"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config gathers everything needed to construct a Client. Codec is the
// external packet oracle (spec.md §1/§6); EnrSeq is this node's current
// ENR sequence number, echoed in outgoing Ping/Pong messages.
type Config struct {
	LocalID    nodeid.ID
	ListenAddr *net.UDPAddr
	Codec      packet.Codec
	DB         nodedb.NodeDB
	Bus        *events.Bus
	Logger     *log.Logger
	EnrSeq     uint64
}

// TalkRequestHandler answers an inbound TALKREQ for a given protocol
// identifier with the response bytes to return, or nil for no response
// (spec.md §6 correlated "talk" operation, supplemented feature).
type TalkRequestHandler func(from nodeid.ID, protocol, request []byte) []byte

// Client is the public facade over the discovery pipeline.
type Client struct {
	cfg      Config
	registry *message.Registry
	pool     *session.Pool
	disp     *dispatch.Dispatcher
	metrics  *metrics.Discv5Metrics

	sock transport.Socket

	state   atomic.Int32
	group   *errgroup.Group
	cancel  context.CancelFunc
	stopped chan struct{}

	listenOnce sync.Once
	listening  chan struct{}

	talkMu      sync.RWMutex
	talkHandler TalkRequestHandler
}

// New constructs a Client in the Constructed state. Call Start to bind
// the socket and launch the pipeline.
func New(cfg Config) (*Client, error) {
	if cfg.Codec == nil {
		return nil, &protoerr.Fatal{Reason: "client: nil codec"}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.DB == nil {
		cfg.DB = nodedb.NewMemory()
	}

	registry := message.NewRegistry()
	pool := session.NewPool(cfg.LocalID, cfg.Codec, registry, cfg.DB, cfg.Bus, cfg.Logger)

	c := &Client{
		cfg:       cfg,
		registry:  registry,
		pool:      pool,
		metrics:   metrics.NewDiscv5Metrics(cfg.Bus),
		stopped:   make(chan struct{}),
		listening: make(chan struct{}),
	}
	c.state.Store(int32(Constructed))
	return c, nil
}

// State returns the Client's current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// WaitListening blocks until the socket is bound (or ctx is done).
func (c *Client) WaitListening(ctx context.Context) error {
	select {
	case <-c.listening:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTalkRequestHandler installs the handler for inbound TALKREQ
// messages. Passing nil disables responding to TALKREQ entirely.
func (c *Client) SetTalkRequestHandler(h TalkRequestHandler) {
	c.talkMu.Lock()
	defer c.talkMu.Unlock()
	c.talkHandler = h
}

// Start binds the socket, wires the six pipeline channels, and launches
// every stage under a shared errgroup (spec.md §5). It returns once the
// socket is bound; the pipeline continues running in the background
// until ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	sock, err := transport.Bind(c.cfg.ListenAddr)
	if err != nil {
		return &protoerr.Fatal{Reason: "bind failed", Cause: err}
	}
	c.sock = sock

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	c.group = g

	inboundDatagram := make(chan transport.Datagram, channelCapacity)
	inboundEnvelope := make(chan packet.InboundEnvelope, channelCapacity)
	inboundMessage := make(chan session.Delivery, channelCapacity)
	outboundMessage := make(chan session.OutboundMessage, channelCapacity)
	outboundEnvelope := make(chan packet.OutboundEnvelope, channelCapacity)
	outboundDatagram := make(chan transport.Datagram, channelCapacity)

	c.disp = dispatch.New(outboundMessage, c.cfg.Bus, c.cfg.Logger)
	c.installDefaultHandlers()

	dec, err := packet.NewDecoder(c.cfg.Codec, c.cfg.LocalID, c.cfg.Logger, func(ep nodeid.Endpoint, reason string) {
		if c.cfg.Bus != nil {
			c.cfg.Bus.Publish(events.PacketDiscarded, events.PacketDiscardedData{Endpoint: ep, Reason: reason})
		}
	})
	if err != nil {
		sock.Close()
		return &protoerr.Fatal{Reason: "decoder construction failed", Cause: err}
	}
	enc := packet.NewEncoder()

	g.Go(func() error { return transport.DatagramReceiver(gctx, sock, inboundDatagram, c.cfg.Logger) })
	g.Go(func() error { return dec.Run(gctx, inboundDatagram, inboundEnvelope) })
	g.Go(func() error { return c.pool.Run(gctx, inboundEnvelope, outboundEnvelope, inboundMessage) })
	g.Go(func() error { return c.pool.RunOutbound(gctx, outboundMessage, outboundEnvelope) })
	g.Go(func() error { return c.disp.Run(gctx, inboundMessage) })
	g.Go(func() error { return enc.Run(gctx, outboundEnvelope, outboundDatagram) })
	g.Go(func() error { return transport.DatagramSender(gctx, sock, outboundDatagram, c.cfg.Logger) })
	g.Go(func() error { return c.sweepLoop(gctx) })

	c.state.Store(int32(Listening))
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(events.Listening, c.cfg.ListenAddr.String())
	}
	c.listenOnce.Do(func() { close(c.listening) })
	c.state.Store(int32(Running))

	go func() {
		_ = g.Wait()
		c.disp.Close()
		sock.Close()
		c.state.Store(int32(Stopped))
		close(c.stopped)
	}()

	return nil
}

// sweepLoop periodically reclaims sessions that have gone idle past
// sessionIdleTimeout, until ctx is cancelled.
func (c *Client) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.pool.SweepExpired(sessionIdleTimeout)
			c.metrics.SessionsActive.Set(int64(c.pool.SessionCount()))
		}
	}
}

// LocalAddr returns the bound socket's local address. Only valid once
// Start has returned successfully.
func (c *Client) LocalAddr() net.Addr { return c.sock.LocalAddr() }

// Metrics returns the Client's instrumentation surface.
func (c *Client) Metrics() *metrics.Discv5Metrics { return c.metrics }

// Stop cancels the pipeline and blocks until every stage has exited.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.stopped
}
