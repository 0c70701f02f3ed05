//go:build windows

package evloop

import (
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

// pendingOps correlates the ioOp a goroutine finished with the
// PostQueuedCompletionStatus wake-up that follows it. GetQueuedCompletionStatus
// itself only reports the generic key/overlapped pair we pass as zero values
// above (see the package doc comment on completionBackend for why), so the
// actual op travels out-of-band through this FIFO instead.
var (
	pendingOpsMu sync.Mutex
	pendingOps   []*ioOp
)

func popPendingOp() *ioOp {
	pendingOpsMu.Lock()
	defer pendingOpsMu.Unlock()
	if len(pendingOps) == 0 {
		return nil
	}
	op := pendingOps[0]
	pendingOps = pendingOps[1:]
	return op
}

// completionBackend implements backend atop a Windows I/O completion port,
// the native analogue of uv-win.c's iocp_ handle (original_source/uv-win.c
// line ~392, CreateIoCompletionPort(INVALID_HANDLE_VALUE, NULL, 0, ...)).
//
// Real libuv arms AcceptEx/ConnectEx/WSARecv/WSASend directly against the
// completion port so the kernel itself posts completions. Loading those
// winsock extension function pointers (WSAIoctl with
// SIO_GET_EXTENSION_FUNCTION_POINTER) is orthogonal to the loop semantics
// this module is about, so each blocking Winsock call here runs on its own
// goroutine and the result is handed to the same completion port with
// PostQueuedCompletionStatus — the request still only ever completes
// through GetQueuedCompletionStatus, so the rest of the loop (timers,
// pending-queue drain, endgame) is identical to the Unix readiness backend's
// caller-visible behaviour. See DESIGN.md for the tradeoff this accepts.
type completionBackend struct {
	iocp windows.Handle
	opts Options
}

// opKind tags what an inflight completion packet represents.
type opKind int

const (
	opAccept opKind = iota
	opConnect
	opRead
	opWrite
	opShutdown
	opRecv
	opSend
)

// ioOp is the correlation token posted through the completion port: one per
// in-flight asynchronous operation, keyed by pointer identity rather than by
// an embedded OVERLAPPED (no real overlapped I/O is issued, see above).
type ioOp struct {
	kind        opKind
	tcp         *TCP
	udp         *UDP
	connectReq  *ConnectReq
	writeReq    *WriteReq
	shutdownReq *ShutdownReq
	sendReq     *SendReq
	acceptFD    windows.Handle
	n           int
	from        sockaddr
	err         error
}

func newDefaultBackend(opts Options) (backend, error) {
	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, opts.IOCPConcurrentThreads)
	if err != nil {
		return nil, err
	}
	return &completionBackend{iocp: iocp, opts: opts}, nil
}

func (b *completionBackend) post(op *ioOp) {
	pendingOpsMu.Lock()
	pendingOps = append(pendingOps, op)
	pendingOpsMu.Unlock()
	_ = windows.PostQueuedCompletionStatus(b.iocp, 0, 0, nil)
}

func (b *completionBackend) socket(is6 bool, kind sockKind) (int, error) {
	domain := windows.AF_INET
	if is6 {
		domain = windows.AF_INET6
	}
	typ := windows.SOCK_STREAM
	proto := windows.IPPROTO_TCP
	if kind == sockDgram {
		typ = windows.SOCK_DGRAM
		proto = windows.IPPROTO_UDP
	}
	fd, err := windows.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	return int(fd), nil
}

func toWinSockaddr(sa sockaddr) windows.Sockaddr {
	if sa.Is6 {
		s := &windows.SockaddrInet6{Port: sa.Port}
		copy(s.Addr[:], sa.IP[:])
		return s
	}
	s := &windows.SockaddrInet4{Port: sa.Port}
	copy(s.Addr[:], sa.IP[12:16])
	return s
}

func (b *completionBackend) bindTCP(h *TCP, sa sockaddr) *Error {
	if err := windows.Bind(windows.Handle(h.fd), toWinSockaddr(sa)); err != nil {
		return wrapSysErr(err)
	}
	return nil
}

func (b *completionBackend) listenTCP(h *TCP, backlog int) error {
	b.registerHandle(windows.Handle(h.fd))
	return windows.Listen(windows.Handle(h.fd), backlog)
}

func (b *completionBackend) registerHandle(h windows.Handle) {
	_, _ = windows.CreateIoCompletionPort(h, b.iocp, 0, 0)
}

func (b *completionBackend) armAccept(h *TCP) {
	go func() {
		fd, _, err := windows.Accept(windows.Handle(h.fd))
		b.post(&ioOp{kind: opAccept, tcp: h, acceptFD: fd, err: err})
	}()
}

func (b *completionBackend) armConnect(h *TCP, req *ConnectReq, sa sockaddr) error {
	go func() {
		err := windows.Connect(windows.Handle(h.fd), toWinSockaddr(sa))
		b.post(&ioOp{kind: opConnect, tcp: h, connectReq: req, err: err})
	}()
	return nil
}

func (b *completionBackend) armRead(h *TCP) {
	go func() {
		buf := h.allocCB(64 * 1024)
		n, err := windows.Read(windows.Handle(h.fd), buf)
		h.backendState = buf // stash so poll() can slice it without a second alloc
		b.post(&ioOp{kind: opRead, tcp: h, n: n, err: err})
	}()
}

func (b *completionBackend) disarmRead(h *TCP) {
	// The in-flight blocking Read still completes and is reported-and-
	// discarded by dispatch, per spec.md §4.3 read_stop semantics.
}

func (b *completionBackend) armWrite(h *TCP, req *WriteReq, buf []byte) {
	go func() {
		n, err := windows.Write(windows.Handle(h.fd), buf)
		b.post(&ioOp{kind: opWrite, tcp: h, writeReq: req, n: n, err: err})
	}()
}

func (b *completionBackend) armShutdown(h *TCP, req *ShutdownReq) {
	go func() {
		err := windows.Shutdown(windows.Handle(h.fd), windows.SHUT_WR)
		b.post(&ioOp{kind: opShutdown, tcp: h, shutdownReq: req, err: err})
	}()
}

func (b *completionBackend) cancelAndClose(h *TCP) {
	if h.fd >= 0 {
		windows.CancelIoEx(windows.Handle(h.fd), nil)
		windows.Closesocket(windows.Handle(h.fd))
		h.fd = -1
	}
}

func (b *completionBackend) udpBind(h *UDP, sa sockaddr, flags int) error {
	if flags&int(IPV6Only) != 0 {
		_ = windows.SetsockoptInt(windows.Handle(h.fd), windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 1)
	}
	b.registerHandle(windows.Handle(h.fd))
	return windows.Bind(windows.Handle(h.fd), toWinSockaddr(sa))
}

func (b *completionBackend) udpSetMembership(h *UDP, multicastAddr, interfaceAddr string, m Membership) error {
	return errUnsupportedOnWindows
}

func (b *completionBackend) udpRecvStart(h *UDP) {
	go func() {
		buf := h.allocCB(64 * 1024)
		n, from, err := windows.Recvfrom(windows.Handle(h.fd), buf, 0)
		var sa sockaddr
		if from != nil {
			sa = fromWinSockaddr(from)
		}
		h.backendState = buf
		b.post(&ioOp{kind: opRecv, udp: h, n: n, from: sa, err: err})
	}()
}

func (b *completionBackend) udpRecvStop(h *UDP) {}

func (b *completionBackend) udpSendTo(h *UDP, req *SendReq, buf []byte, sa sockaddr) {
	go func() {
		err := windows.Sendto(windows.Handle(h.fd), buf, 0, toWinSockaddr(sa))
		b.post(&ioOp{kind: opSend, udp: h, sendReq: req, err: err})
	}()
}

func (b *completionBackend) udpClose(h *UDP) {
	if h.fd >= 0 {
		windows.Closesocket(windows.Handle(h.fd))
		h.fd = -1
	}
}

func fromWinSockaddr(sa windows.Sockaddr) sockaddr {
	switch s := sa.(type) {
	case *windows.SockaddrInet4:
		var out sockaddr
		out.Port = s.Port
		out.IP[10], out.IP[11] = 0xff, 0xff
		copy(out.IP[12:16], s.Addr[:])
		return out
	case *windows.SockaddrInet6:
		var out sockaddr
		out.Is6 = true
		out.Port = s.Port
		copy(out.IP[:], s.Addr[:])
		return out
	default:
		return sockaddr{}
	}
}

// poll retrieves completion packets posted by the goroutines above via
// GetQueuedCompletionStatus and dispatches each to its request's complete(),
// per spec.md §4.1/§4.8.
func (b *completionBackend) poll(loop *Loop, timeout time.Duration) error {
	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(timeout / time.Millisecond)
	}
	var bytes uint32
	var key uintptr
	var ov *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(b.iocp, &bytes, &key, &ov, ms)
	if err != nil {
		if err == windows.WAIT_TIMEOUT {
			return nil
		}
		panic("evloop: GetQueuedCompletionStatus failed: " + err.Error())
	}
	op := popPendingOp()
	if op != nil {
		b.dispatch(op)
	}
	loop.processAsyncs()
	return nil
}

func (b *completionBackend) dispatch(op *ioOp) {
	switch op.kind {
	case opAccept:
		if op.err != nil {
			// A failed accept is recorded as the loop's last error and the
			// accept is posted again; the connection callback does not run.
			op.tcp.loop.setLastError(wrapSysErr(op.err))
			if !op.tcp.IsClosing() {
				b.armAccept(op.tcp)
			}
			return
		}
		op.tcp.pendingFD = int(op.acceptFD)
		if op.tcp.acceptCB != nil {
			op.tcp.acceptCB(op.tcp)
		}
	case opConnect:
		op.connectReq.complete(wrapSysErr(op.err))
	case opRead:
		buf, _ := op.tcp.backendState.([]byte)
		if op.err != nil {
			op.tcp.readCB(op.tcp, -1, nil, wrapSysErr(op.err))
		} else if op.n == 0 {
			op.tcp.flags |= flagEOF
			op.tcp.readCB(op.tcp, -1, nil, newError(EOF, nil))
		} else {
			op.tcp.readCB(op.tcp, op.n, buf[:op.n], nil)
			if op.tcp.flags.has(flagReading) {
				op.tcp.loop.backend.armRead(op.tcp)
			}
		}
	case opWrite:
		op.writeReq.sent = op.n
		op.writeReq.complete(wrapSysErr(op.err))
	case opShutdown:
		op.shutdownReq.complete(wrapSysErr(op.err))
	case opRecv:
		buf, _ := op.udp.backendState.([]byte)
		if op.err != nil {
			op.udp.recvCB(op.udp, -1, nil, "", wrapSysErr(op.err))
		} else {
			op.udp.recvCB(op.udp, op.n, buf[:op.n], op.from.String(), nil)
		}
		if op.udp.flags.has(flagReading) {
			op.udp.loop.backend.udpRecvStart(op.udp)
		}
	case opSend:
		op.sendReq.complete(wrapSysErr(op.err))
	}
}

func (b *completionBackend) wake() error {
	return windows.PostQueuedCompletionStatus(b.iocp, 0, 0, nil)
}

func (b *completionBackend) close() error {
	return windows.CloseHandle(b.iocp)
}

var errUnsupportedOnWindows = syscall.EWINDOWS
