package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/relaywire/atrelay/internal/relay/config"
	"github.com/relaywire/atrelay/internal/relay/metrics"
	"github.com/relaywire/atrelay/internal/relay/models"
	"github.com/relaywire/atrelay/internal/relay/store"
)

// maxInnerRounds bounds how many readiness-poll rounds a single update()
// call spends draining connection backlogs before yielding, matching
// worker.rs's update() inner loop bound.
const maxInnerRounds = 32

// Worker is one publisher shard: it owns a set of downstream connections
// and fans the firehose log out to them, never blocking on a slow
// subscriber. Grounded on rsky-relay/src/publisher/worker.rs.
type Worker struct {
	cfg      *config.Config
	kv       *store.KV
	poller   Poller
	commands <-chan net.Conn

	connections []*Connection // index doubles as the epoll token; holes are nil
	log         *slog.Logger
}

// NewWorker constructs a publisher shard reading new subscriber sockets
// off commands.
func NewWorker(cfg *config.Config, kv *store.KV, commands <-chan net.Conn) (*Worker, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("publisher: new poller: %w", err)
	}
	return &Worker{
		cfg:      cfg,
		kv:       kv,
		poller:   poller,
		commands: commands,
		log:      slog.Default().With("system", "publisher"),
	}, nil
}

// Run drives the worker until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.poller.Close()
	for {
		select {
		case <-ctx.Done():
			for _, c := range w.connections {
				if c != nil {
					c.close()
				}
			}
			return ctx.Err()
		default:
		}
		w.handleCommand()
		if err := w.update(); err != nil {
			return err
		}
	}
}

// handleCommand accepts at most one pending new subscriber per call,
// matching worker.rs's one-command-per-update-iteration shape.
func (w *Worker) handleCommand() {
	select {
	case conn, ok := <-w.commands:
		if !ok {
			return
		}
		w.register(conn)
	default:
	}
}

func (w *Worker) register(raw net.Conn) {
	last, err := w.kv.LastFirehoseCursor()
	if err != nil {
		w.log.Warn("register: read last cursor failed", "err", err)
		last = 0
	}
	conn, err := newConnection(raw, last)
	if err != nil {
		w.log.Warn("register connection failed", "err", err)
		raw.Close()
		return
	}

	token := -1
	for i, c := range w.connections {
		if c == nil {
			token = i
			break
		}
	}
	if token < 0 {
		token = len(w.connections)
		w.connections = append(w.connections, nil)
	}
	if err := w.poller.Register(conn.fd, token); err != nil {
		w.log.Warn("poller register failed", "err", err)
		conn.close()
		return
	}
	w.connections[token] = conn
	metrics.PublisherConnections.Inc()
}

// update fills each connection's send buffer from the firehose log, polls
// readiness up to maxInnerRounds times, and flushes whatever each
// connection will currently accept, dropping any that error or exceed the
// send buffer ceiling.
func (w *Worker) update() error {
	last, err := w.kv.LastFirehoseCursor()
	if err != nil {
		return fmt.Errorf("publisher: read last cursor: %w", err)
	}

	for i, conn := range w.connections {
		if conn == nil || conn.cursor >= last {
			continue
		}
		hi := conn.cursor + models.Cursor(w.cfg.PublisherBatchCursors)
		if hi > last {
			hi = last
		}
		lo := conn.cursor
		var dropped bool
		err := w.kv.RangeFirehose(lo, hi, func(c models.Cursor, frame []byte) error {
			if !conn.queue(frame, w.cfg.PublisherSendBufferCeiling) {
				dropped = true
				return fmt.Errorf("send buffer ceiling exceeded")
			}
			conn.cursor = c
			return nil
		})
		if dropped {
			w.drop(i, "buffer")
			continue
		}
		if err != nil {
			w.log.Warn("range firehose failed", "err", err)
		}
	}

	for round := 0; round < maxInnerRounds; round++ {
		events, err := w.poller.Wait(time.Millisecond)
		if err != nil {
			return fmt.Errorf("publisher: poll: %w", err)
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			w.poll(ev)
		}
	}

	// Final round-robin pass so every connection with pending bytes gets at
	// least one flush attempt even if it didn't show up in the last
	// readiness batch (worker.rs's trailing "final round-robin pass").
	for i, conn := range w.connections {
		if conn == nil || len(conn.buf) == 0 {
			continue
		}
		w.flushOne(i)
	}

	return nil
}

// poll dispatches one readiness event to its connection.
func (w *Worker) poll(ev ReadyEvent) {
	if ev.Token < 0 || ev.Token >= len(w.connections) || w.connections[ev.Token] == nil {
		return
	}
	if ev.Err {
		w.drop(ev.Token, "send_error")
		return
	}
	if ev.Writable {
		w.flushOne(ev.Token)
	}
}

func (w *Worker) flushOne(i int) {
	conn := w.connections[i]
	if conn == nil {
		return
	}
	ok, err := conn.flush()
	if !ok {
		w.log.Debug("connection flush failed", "err", err)
		w.drop(i, "send_error")
	}
}

func (w *Worker) drop(i int, reason string) {
	conn := w.connections[i]
	if conn == nil {
		return
	}
	_ = w.poller.Deregister(conn.fd)
	conn.close()
	w.connections[i] = nil
	metrics.PublisherConnections.Dec()
	metrics.PublisherDroppedTotal.WithLabelValues(reason).Inc()
}
