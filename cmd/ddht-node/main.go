// Command ddht-node is a minimal runnable entry point wiring a Client
// together: bind a UDP socket, log lifecycle events, and serve until
// interrupted. CLI argument parsing and config-file loading are out of
// scope (spec.md §1 Non-goals); flag is used only for three values: the
// listen address, the metrics address and verbose logging.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/eth2030/discv5/client"
	"github.com/eth2030/discv5/events"
	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/nodeid"
	"github.com/eth2030/discv5/packet"
)

func main() {
	addr := flag.String("listen", "0.0.0.0:9000", "UDP address to listen on")
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus metrics on (empty disables)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	lg := log.New(level)
	log.SetDefault(lg)

	laddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		lg.Error("invalid listen address", "addr", *addr, "err", err)
		os.Exit(1)
	}

	var localID nodeid.ID
	if _, err := rand.Read(localID[:]); err != nil {
		lg.Error("failed to generate local node id", "err", err)
		os.Exit(1)
	}

	bus := events.NewBus(64)
	sub := bus.Subscribe()
	go logEvents(lg, sub)

	c, err := client.New(client.Config{
		LocalID:    localID,
		ListenAddr: laddr,
		Codec:      packet.NewSimpleCodec(),
		Bus:        bus,
		Logger:     lg,
	})
	if err != nil {
		lg.Error("failed to construct client", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		lg.Error("failed to start client", "err", err)
		os.Exit(1)
	}
	lg.Info("node started", "node_id", localID.String(), "listen", *addr)

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: c.Metrics().Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				lg.Error("metrics server failed", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		lg.Info("metrics server listening", "addr", *metricsAddr)
	}

	<-ctx.Done()
	lg.Info("shutting down")
	c.Stop()
}

func logEvents(lg *log.Logger, sub *events.Subscription) {
	for ev := range sub.Chan() {
		lg.Debug("event", "type", string(ev.Type), "data", ev.Data)
	}
}
