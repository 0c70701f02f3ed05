//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package evloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller implements poller atop golang.org/x/sys/unix's kqueue
// bindings, the Darwin/BSD analogue of epollPoller. Every registered fd
// gets independent read and write filters so add/modify can enable either
// side without disturbing the other, mirroring epollPoller's single
// EPOLLIN|EPOLLOUT mask semantics with two separate EVFILT entries.
type kqueuePoller struct {
	kq     int
	events []unix.Kevent_t
	wakeR  int
	wakeW  int
}

func newKqueuePoller(opts Options) (*kqueuePoller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		unix.Close(kq)
		return nil, err
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	p := &kqueuePoller{
		kq:     kq,
		events: make([]unix.Kevent_t, opts.EpollMaxEvents),
		wakeR:  fds[0],
		wakeW:  fds[1],
	}
	ev := unix.Kevent_t{
		Ident:  uint64(p.wakeR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		unix.Close(kq)
		return nil, err
	}
	return p, nil
}

func (p *kqueuePoller) changeFilter(fd int, filter int16, enable bool) error {
	flags := uint16(unix.EV_DELETE)
	if enable {
		flags = unix.EV_ADD
	}
	ev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	if err == unix.ENOENT && !enable {
		return nil
	}
	return err
}

func (p *kqueuePoller) add(fd int, readable, writable bool) error {
	if readable {
		if err := p.changeFilter(fd, unix.EVFILT_READ, true); err != nil {
			return err
		}
	}
	if writable {
		if err := p.changeFilter(fd, unix.EVFILT_WRITE, true); err != nil {
			return err
		}
	}
	return nil
}

func (p *kqueuePoller) modify(fd int, readable, writable bool) error {
	if err := p.changeFilter(fd, unix.EVFILT_READ, readable); err != nil {
		return err
	}
	return p.changeFilter(fd, unix.EVFILT_WRITE, writable)
}

func (p *kqueuePoller) remove(fd int) error {
	_ = p.changeFilter(fd, unix.EVFILT_READ, false)
	_ = p.changeFilter(fd, unix.EVFILT_WRITE, false)
	return nil
}

func (p *kqueuePoller) wait(timeout time.Duration) ([]readyEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	byFD := make(map[int]*readyEvent, n)
	for i := 0; i < n; i++ {
		kev := p.events[i]
		fd := int(kev.Ident)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}
		re, ok := byFD[fd]
		if !ok {
			re = &readyEvent{fd: fd}
			byFD[fd] = re
		}
		switch kev.Filter {
		case unix.EVFILT_READ:
			re.readable = true
		case unix.EVFILT_WRITE:
			re.writable = true
		}
		if kev.Flags&unix.EV_EOF != 0 {
			re.hup = true
			re.readable = true
		}
		if kev.Flags&unix.EV_ERROR != 0 {
			re.errored = true
		}
	}
	out := make([]readyEvent, 0, len(byFD))
	for _, re := range byFD {
		out = append(out, *re)
	}
	return out, nil
}

func (p *kqueuePoller) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(p.wakeR, buf[:])
		if err != nil {
			return
		}
	}
}

func (p *kqueuePoller) wake() error {
	_, err := unix.Write(p.wakeW, []byte{1})
	return err
}

func (p *kqueuePoller) close() error {
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kq)
}

func newDefaultBackend(opts Options) (backend, error) {
	p, err := newKqueuePoller(opts)
	if err != nil {
		return nil, err
	}
	return newReadinessBackend(p, opts), nil
}
