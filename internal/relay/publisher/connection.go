//go:build !windows

package publisher

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/relaywire/atrelay/internal/relay/models"
)

// Connection is one downstream subscriber socket: an outbound byte buffer
// the worker fills from the firehose log and drains as the fd reports
// writable, plus the cursor of the last frame queued into that buffer.
type Connection struct {
	conn   net.Conn
	fd     int
	cursor models.Cursor
	buf    []byte
}

// newConnection wraps an accepted net.Conn (expected to be a *net.TCPConn
// or *net.UnixConn) starting replay at the given cursor, extracting its raw
// fd and switching it to non-blocking mode so the worker can write()/read()
// it directly under epoll readiness, matching mio::Poll's SourceFd model
// instead of going through Go's own blocking net.Conn deadline machinery.
func newConnection(conn net.Conn, startAt models.Cursor) (*Connection, error) {
	fd, err := rawFD(conn)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("publisher: set nonblocking: %w", err)
	}
	return &Connection{conn: conn, fd: fd, cursor: startAt}, nil
}

func rawFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("publisher: connection type %T does not expose a raw fd", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("publisher: syscall conn: %w", err)
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return 0, fmt.Errorf("publisher: raw fd control: %w", ctrlErr)
	}
	return fd, nil
}

// queue appends data to the connection's pending send buffer. Returns
// false if appending would exceed ceiling, in which case the caller should
// drop the connection rather than let it fall further behind.
func (c *Connection) queue(data []byte, ceiling int) bool {
	if len(c.buf)+len(data) > ceiling {
		return false
	}
	c.buf = append(c.buf, data...)
	return true
}

// flush writes as much of the pending buffer as the socket will currently
// accept without blocking, via a direct non-blocking write() on the raw
// fd. ok is false on a hard error (the caller should drop the connection);
// EAGAIN is not an error, just "nothing more fits right now".
func (c *Connection) flush() (ok bool, err error) {
	for len(c.buf) > 0 {
		n, werr := unix.Write(c.fd, c.buf)
		if n > 0 {
			c.buf = c.buf[n:]
		}
		if werr != nil {
			if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
				return true, nil
			}
			if werr == unix.EINTR {
				continue
			}
			return false, werr
		}
		if n == 0 {
			break
		}
	}
	return true, nil
}

func (c *Connection) close() {
	c.conn.Close()
}
