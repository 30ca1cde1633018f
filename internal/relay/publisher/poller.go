// Package publisher fans the ordered firehose log out to downstream
// subscriber sockets. It never blocks on a slow subscriber: each
// connection's outbound buffer is capped, and connections that exceed it
// (or error) are dropped rather than allowed to stall the worker. Grounded
// on rsky-relay/src/publisher/worker.rs, translated from mio's
// Poll/SourceFd/Token readiness model to golang.org/x/sys/unix epoll.
package publisher

import "time"

// ReadyEvent reports one fd's readiness after a Poller.Wait call.
type ReadyEvent struct {
	Token    int
	Readable bool
	Writable bool
	Err      bool
}

// Poller is the readiness-polling abstraction Worker drives; poller_linux.go
// backs it with real epoll, poller_other.go with a portable fallback.
type Poller interface {
	Register(fd, token int) error
	Deregister(fd int) error
	Wait(timeout time.Duration) ([]ReadyEvent, error)
	Close() error
}
