//go:build linux

package publisher

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the real readiness poller, used on linux where the relay
// is expected to run. It is the direct translation of worker.rs's
// mio::Poll: one epoll instance, fds registered/deregistered per
// connection lifecycle, level-triggered write readiness.
type epollPoller struct {
	fd     int
	events []unix.EpollEvent
}

// NewPoller constructs the platform readiness poller.
func NewPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("publisher: epoll_create1: %w", err)
	}
	return &epollPoller{fd: fd, events: make([]unix.EpollEvent, 256)}, nil
}

func (p *epollPoller) Register(fd, token int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLOUT, Fd: int32(token)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("publisher: epoll_ctl add: %w", err)
	}
	return nil
}

func (p *epollPoller) Deregister(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("publisher: epoll_ctl del: %w", err)
	}
	return nil
}

func (p *epollPoller) Wait(timeout time.Duration) ([]ReadyEvent, error) {
	ms := int(timeout / time.Millisecond)
	if ms <= 0 && timeout > 0 {
		ms = 1
	}
	n, err := unix.EpollWait(p.fd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("publisher: epoll_wait: %w", err)
	}
	out := make([]ReadyEvent, 0, n)
	for i := 0; i < n; i++ {
		e := p.events[i]
		out = append(out, ReadyEvent{
			Token:    int(e.Fd),
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Err:      e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.fd)
}
