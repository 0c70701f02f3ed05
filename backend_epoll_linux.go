//go:build linux

package evloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller implements poller with golang.org/x/sys/unix's epoll bindings,
// grounded directly on joeycumines-go-utilpkg/eventloop's FastPoller
// (poller_linux.go): EpollCreate1/EpollCtl/EpollWait, level-triggered, one
// preallocated event buffer reused across every wait() call.
type epollPoller struct {
	epfd      int
	events    []unix.EpollEvent
	wakeFD    int
	maxEvents int
}

func newEpollPoller(opts Options) (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &epollPoller{
		epfd:      epfd,
		events:    make([]unix.EpollEvent, opts.EpollMaxEvents),
		wakeFD:    wakeFD,
		maxEvents: opts.EpollMaxEvents,
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func epollMask(readable, writable bool) uint32 {
	var mask uint32
	if readable {
		mask |= unix.EPOLLIN
	}
	if writable {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epollPoller) add(fd int, readable, writable bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollMask(readable, writable),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) modify(fd int, readable, writable bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollMask(readable, writable),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// wait blocks for at most timeout (negative means infinite, matching
// EpollWait's own -1 convention) and translates ready epoll events into the
// backend-neutral readyEvent shape. Events on the wake eventfd are drained
// here and never surfaced to the caller; Loop.Run learns about them only
// through whatever Async.deliver does as a side effect.
func (p *epollPoller) wait(timeout time.Duration) ([]readyEvent, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakeFD {
			p.drainWake()
			continue
		}
		out = append(out, readyEvent{
			fd:       fd,
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			writable: ev.Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0,
			errored:  ev.Events&unix.EPOLLERR != 0,
			hup:      ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		})
	}
	return out, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

// wake is Async.Send's primitive: writing 8 bytes to an eventfd always
// succeeds without blocking and coalesces with any unconsumed prior write.
func (p *epollPoller) wake() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(p.wakeFD, one[:])
	return err
}

func (p *epollPoller) close() error {
	unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}

func newDefaultBackend(opts Options) (backend, error) {
	p, err := newEpollPoller(opts)
	if err != nil {
		return nil, err
	}
	return newReadinessBackend(p, opts), nil
}
