//go:build linux && iouring

package evloop

import (
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

// uringBackend implements backend atop io_uring, the second completion
// model spec.md §1 calls out as optional on Linux: GetSQE/submit/
// PeekBatchCQE, a userdata-indexed callback registry instead of
// per-request channels, and a retry-on-full-ring prepare helper.
type uringBackend struct {
	ring *giouring.Ring
	cbs  callbackRegistry
	opts Options
}

type completionCB func(res int32, flags uint32, errno syscall.Errno)

// callbackRegistry maps a uint64 userdata slot to the callback that should
// run when its CQE arrives — the io_uring analogue of the readiness
// backend's fd-keyed maps, since completions here are identified by an
// opaque id, not a ready fd.
type callbackRegistry struct {
	slots []completionCB
	free  []uint64
}

func (r *callbackRegistry) set(sqe *giouring.SubmissionQueueEntry, cb completionCB) {
	var id uint64
	if n := len(r.free); n > 0 {
		id = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[id] = cb
	} else {
		id = uint64(len(r.slots))
		r.slots = append(r.slots, cb)
	}
	sqe.UserData = id
}

func (r *callbackRegistry) take(id uint64) completionCB {
	cb := r.slots[id]
	r.slots[id] = nil
	r.free = append(r.free, id)
	return cb
}

func (r *callbackRegistry) count() int { return len(r.slots) - len(r.free) }

func newIOUringBackend(opts Options) (backend, error) {
	ring, err := giouring.CreateRing(opts.RingEntries)
	if err != nil {
		return nil, err
	}
	return &uringBackend{ring: ring, opts: opts}, nil
}

// prepare mirrors aio.Loop.prepare: fetch a submission queue entry, submit
// once and retry if the ring is momentarily full, otherwise queue op for the
// next submitAndWait.
func (b *uringBackend) prepare(op func(*giouring.SubmissionQueueEntry)) {
	sqe := b.ring.GetSQE()
	if sqe == nil {
		_, _ = b.ring.Submit()
		sqe = b.ring.GetSQE()
	}
	if sqe == nil {
		return // the ring is saturated; spec.md treats this as backpressure
	}
	op(sqe)
}

func cqeErrno(res int32) syscall.Errno {
	if res > -4096 && res < 0 {
		return syscall.Errno(-res)
	}
	return 0
}

func (b *uringBackend) socket(is6 bool, kind sockKind) (int, error) {
	domain := syscall.AF_INET
	if is6 {
		domain = syscall.AF_INET6
	}
	typ := syscall.SOCK_STREAM
	if kind == sockDgram {
		typ = syscall.SOCK_DGRAM
	}
	return syscall.Socket(domain, typ|syscall.SOCK_NONBLOCK|syscall.SOCK_CLOEXEC, 0)
}

func (b *uringBackend) bindTCP(h *TCP, sa sockaddr) *Error {
	if err := syscall.Bind(h.fd, toSockaddr(sa)); err != nil {
		return errFromErrno(err.(syscall.Errno))
	}
	return nil
}

func (b *uringBackend) listenTCP(h *TCP, backlog int) error {
	return syscall.Listen(h.fd, backlog)
}

func (b *uringBackend) armAccept(h *TCP) {
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareMultishotAccept(h.fd, 0, 0, 0)
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {
			if errno != 0 {
				h.loop.setLastError(errFromErrno(errno))
				return
			}
			if h.pendingFD >= 0 {
				// A connection arrived while the previous one was still
				// unclaimed; the multishot accept's next trigger will
				// redeliver once Accept() clears pendingFD. Here we
				// simply drop this duplicate completion slot count --
				// the kernel retains the backlog entry.
				return
			}
			h.pendingFD = int(res)
			if h.acceptCB != nil {
				h.acceptCB(h)
			}
		})
	})
}

func (b *uringBackend) armConnect(h *TCP, req *ConnectReq, sa sockaddr) error {
	native := toSockaddr(sa)
	rsa, l, err := sockaddrToRaw(native)
	if err != nil {
		return err
	}
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareConnect(h.fd, uintptr(unsafe.Pointer(rsa)), uint64(l))
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {
			req.complete(errFromErrno(errno))
		})
	})
	return nil
}

func (b *uringBackend) armRead(h *TCP) {
	buf := h.allocCB(64 * 1024)
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRead(h.fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {
			switch {
			case errno != 0:
				h.readCB(h, -1, nil, errFromErrno(errno))
			case res == 0:
				h.flags |= flagEOF
				h.readCB(h, -1, nil, newError(EOF, nil))
			default:
				h.readCB(h, int(res), buf[:res], nil)
				if h.flags.has(flagReading) {
					b.armRead(h)
				}
			}
		})
	})
}

func (b *uringBackend) disarmRead(h *TCP) {
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareCancelFd(h.fd, 0)
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {})
	})
}

func (b *uringBackend) armWrite(h *TCP, req *WriteReq, buf []byte) {
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareSend(h.fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {
			if errno != 0 {
				req.complete(errFromErrno(errno))
				return
			}
			req.sent += int(res)
			if req.sent >= len(buf) {
				req.complete(nil)
				return
			}
			b.armWrite(h, req, buf[req.sent:])
		})
	})
}

func (b *uringBackend) armShutdown(h *TCP, req *ShutdownReq) {
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareShutdown(h.fd, syscall.SHUT_WR)
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {
			req.complete(errFromErrno(errno))
		})
	})
}

func (b *uringBackend) cancelAndClose(h *TCP) {
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareCancelFd(h.fd, 0)
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {})
	})
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareClose(h.fd)
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {})
	})
	h.fd = -1
}

func (b *uringBackend) udpBind(h *UDP, sa sockaddr, flags int) error {
	if flags&int(IPV6Only) != 0 {
		_ = syscall.SetsockoptInt(h.fd, syscall.IPPROTO_IPV6, syscall.IPV6_V6ONLY, 1)
	}
	return syscall.Bind(h.fd, toSockaddr(sa))
}

func (b *uringBackend) udpSetMembership(h *UDP, multicastAddr, interfaceAddr string, m Membership) error {
	return setMembershipSockopt(h.fd, multicastAddr, interfaceAddr, m)
}

func (b *uringBackend) udpRecvStart(h *UDP) {
	buf := h.allocCB(64 * 1024)
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRecv(h.fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {
			if errno != 0 {
				h.recvCB(h, -1, nil, "", errFromErrno(errno))
			} else {
				h.recvCB(h, int(res), buf[:res], "", nil)
			}
			if h.flags.has(flagReading) {
				b.udpRecvStart(h)
			}
		})
	})
}

func (b *uringBackend) udpRecvStop(h *UDP) {}

func (b *uringBackend) udpSendTo(h *UDP, req *SendReq, buf []byte, sa sockaddr) {
	native := toSockaddr(sa)
	rsa, l, err := sockaddrToRaw(native)
	if err != nil {
		req.complete(newError(EINVAL, err))
		return
	}
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareSendmsg(h.fd, uintptr(unsafe.Pointer(buildMsghdr(rsa, l, buf))), 0)
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {
			req.complete(errFromErrno(errno))
		})
	})
}

func (b *uringBackend) udpClose(h *UDP) {
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareClose(h.fd)
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {})
	})
	h.fd = -1
}

func (b *uringBackend) poll(loop *Loop, timeout time.Duration) error {
	var ts syscall.Timespec
	waitNr := uint32(1)
	if timeout < 0 {
		if _, err := b.ring.SubmitAndWait(waitNr); err != nil && !temporaryUringErr(err) {
			return err
		}
	} else {
		ts = syscall.NsecToTimespec(timeout.Nanoseconds())
		if _, err := b.ring.SubmitAndWaitTimeout(waitNr, &ts, nil); err != nil && !temporaryUringErr(err) {
			return err
		}
	}
	b.flushCompletions()
	loop.processAsyncs()
	return nil
}

func (b *uringBackend) flushCompletions() {
	var cqes [128]*giouring.CompletionQueueEvent
	for {
		n := b.ring.PeekBatchCQE(cqes[:])
		for _, cqe := range cqes[:n] {
			cb := b.cbs.take(cqe.UserData)
			if cb != nil {
				cb(cqe.Res, cqe.Flags, cqeErrno(cqe.Res))
			}
		}
		b.ring.CQAdvance(n)
		if n < uint32(len(cqes)) {
			return
		}
	}
}

// sockaddrToRaw lowers a syscall.Sockaddr into the raw wire struct pointer
// io_uring's PrepareConnect/PrepareSendmsg want (they take a bare pointer +
// length rather than the syscall package's interface type, since the
// kernel reads them directly out of the submission queue entry).
func sockaddrToRaw(sa syscall.Sockaddr) (unsafe.Pointer, int, error) {
	switch s := sa.(type) {
	case *syscall.SockaddrInet4:
		raw := &syscall.RawSockaddrInet4{Family: syscall.AF_INET}
		raw.Port[0] = byte(s.Port >> 8)
		raw.Port[1] = byte(s.Port)
		raw.Addr = s.Addr
		return unsafe.Pointer(raw), syscall.SizeofSockaddrInet4, nil
	case *syscall.SockaddrInet6:
		raw := &syscall.RawSockaddrInet6{Family: syscall.AF_INET6}
		raw.Port[0] = byte(s.Port >> 8)
		raw.Port[1] = byte(s.Port)
		raw.Addr = s.Addr
		raw.Scope_id = s.ZoneId
		return unsafe.Pointer(raw), syscall.SizeofSockaddrInet6, nil
	default:
		return nil, 0, syscall.EAFNOSUPPORT
	}
}

// buildMsghdr assembles the syscall.Msghdr PrepareSendmsg needs for one
// datagram: a single iovec carrying buf, addressed at rsa/rsaLen.
func buildMsghdr(rsa unsafe.Pointer, rsaLen int, buf []byte) *syscall.Msghdr {
	iov := &syscall.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	msg := &syscall.Msghdr{
		Name:    (*byte)(rsa),
		Namelen: uint32(rsaLen),
		Iov:     iov,
		Iovlen:  1,
	}
	return msg
}

func temporaryUringErr(err error) bool {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false
	}
	return errno == syscall.EINTR || errno == syscall.ETIME
}

func (b *uringBackend) wake() error {
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareNop()
		b.cbs.set(sqe, func(res int32, flags uint32, errno syscall.Errno) {})
	})
	_, err := b.ring.Submit()
	return err
}

func (b *uringBackend) close() error {
	b.ring.QueueExit()
	return nil
}
