// Command relay runs the atproto firehose relay core: it wires together
// the validator manager, resolver, and a pool of publisher workers, and
// serves downstream subscribers on a TCP listener. Upstream crawling
// (dialing PDS hosts and framing subscribeRepos bytes onto the ingest
// channel) is an external collaborator per spec.md §1 and is not started
// here; this binary is the core relay process the teacher's
// cmd/relayered/main.go plays an analogous role for.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/relaywire/atrelay/internal/relay/config"
	"github.com/relaywire/atrelay/internal/relay/crawler"
	"github.com/relaywire/atrelay/internal/relay/publisher"
	"github.com/relaywire/atrelay/internal/relay/resolver"
	"github.com/relaywire/atrelay/internal/relay/store"
	"github.com/relaywire/atrelay/internal/relay/validator"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", ".", "base directory for the KV store and sqlite mirrors")
		listenAddr  = flag.String("listen", ":8443", "address to serve downstream subscribers on")
		doPLCExport = flag.Bool("plc-export", false, "maintain the PLC mirror via periodic export pulls")
		labeler     = flag.Bool("labeler", false, "run in labeler mode (atproto_labeler service selection)")
		numWorkers  = flag.Int("publisher-workers", 4, "number of publisher worker shards")
	)
	flag.Parse()

	log := slog.Default().With("system", "main")

	cfg := config.Default()
	cfg.DataDir = *dataDir
	cfg.DoPLCExport = *doPLCExport
	cfg.Labeler = *labeler

	if err := run(log, cfg, *listenAddr, *numWorkers); err != nil {
		log.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, cfg *config.Config, listenAddr string, numWorkers int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer kv.Close()

	hosts, err := store.OpenHostStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open host store: %w", err)
	}
	defer hosts.Close()

	res, err := resolver.New(cfg)
	if err != nil {
		return fmt.Errorf("open resolver: %w", err)
	}
	defer res.Close()

	frames := crawler.NewChannel()
	mgr := validator.New(cfg, kv, hosts, res, frames)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	defer ln.Close()

	workers := make([]*publisher.Worker, numWorkers)
	commandChans := make([]chan net.Conn, numWorkers)
	for i := range workers {
		commandChans[i] = make(chan net.Conn, 64)
		w, err := publisher.NewWorker(cfg, kv, commandChans[i])
		if err != nil {
			return fmt.Errorf("new publisher worker %d: %w", i, err)
		}
		workers[i] = w
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := mgr.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	for _, w := range workers {
		w := w
		g.Go(func() error {
			err := w.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		return acceptLoop(gctx, log, ln, commandChans)
	})

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	err = g.Wait()
	mgr.Shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// acceptLoop hands each accepted downstream connection to a publisher
// worker, round-robin.
func acceptLoop(ctx context.Context, log *slog.Logger, ln net.Listener, commandChans []chan net.Conn) error {
	next := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Warn("accept failed", "err", err)
			continue
		}
		select {
		case commandChans[next] <- conn:
		default:
			log.Warn("publisher worker command queue full, dropping subscriber")
			conn.Close()
		}
		next = (next + 1) % len(commandChans)
	}
}
