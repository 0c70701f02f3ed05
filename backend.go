package evloop

import "time"

// backend is the seam between the OS-agnostic loop core and the two
// notification models spec.md §1 unifies: readiness (epoll/kqueue) and
// completion (IOCP, or optionally io_uring). The core submits operations
// through these methods and never learns which model actually serviced
// them; every method arranges, synchronously or not, for the relevant
// request's complete() to be called, which enqueues it on the loop's
// pending queue for dispatch in the next drain.
// sockKind tells socket() which wire type to open. Kept as its own enum
// rather than overloading is6, since address family and socket type vary
// independently.
type sockKind int

const (
	sockStream sockKind = iota
	sockDgram
)

type backend interface {
	// socket opens a socket of the given kind for the given address
	// family (is6 picks AF_INET6 over AF_INET — kept as a bool, not a
	// raw domain int, because the numeric AF_INET6 constant differs
	// across the platforms each backend implementation targets).
	socket(is6 bool, kind sockKind) (int, error)

	// bindTCP binds h's fd to sa. EADDRINUSE is returned like any other
	// error; the deferred-bind-error semantics of spec.md §4.3 are
	// handled by the TCP state machine, not the backend.
	bindTCP(h *TCP, sa sockaddr) *Error

	// listenTCP marks h's fd listening with the given backlog.
	listenTCP(h *TCP, backlog int) error

	// armAccept starts (or restarts) accepting connections on a
	// listening tcp handle, staging each accepted fd in h.pendingFD and
	// invoking h.acceptCB until the backend has no more immediately available
	// (readiness: loops accept() until EAGAIN; completion: one
	// posted/multishot accept per callback invocation).
	armAccept(h *TCP)

	// armConnect submits a nonblocking connect and arranges for req to
	// complete once it resolves.
	armConnect(h *TCP, req *ConnectReq, sa sockaddr) error

	// armRead starts the persistent read-side drain loop described in
	// spec.md §4.3 (zero-byte completion read + recv loop on completion
	// backends; a read-readiness watcher performing the same drain on
	// readiness backends).
	armRead(h *TCP)

	// disarmRead stops the read-side watcher/posted read. Any in-flight
	// zero-byte completion read is left to be reported-and-discarded
	// when it eventually returns (spec.md §4.3 read_stop).
	disarmRead(h *TCP)

	// armWrite attempts to send buf immediately; if not fully accepted,
	// it arranges for req to complete once the rest can be written, in
	// submission order relative to any other pending write on h.
	armWrite(h *TCP, req *WriteReq, buf []byte)

	// armShutdown issues shutdown(SHUT_WR) once in-flight writes have
	// drained and arranges for req to complete.
	armShutdown(h *TCP, req *ShutdownReq)

	// cancelAndClose cancels any in-flight operation on h and closes its
	// fd. In-flight completion-backend requests return errored (spec.md
	// §5 "Cancellation... achieved by close-ing the handle").
	cancelAndClose(h *TCP)

	// udpBind/udpRecvStart/udpSendTo/udpClose mirror the tcp methods for
	// datagram sockets.
	udpBind(h *UDP, sa sockaddr, flags int) error
	udpSetMembership(h *UDP, multicastAddr, interfaceAddr string, m Membership) error
	udpRecvStart(h *UDP)
	udpRecvStop(h *UDP)
	udpSendTo(h *UDP, req *SendReq, buf []byte, sa sockaddr)
	udpClose(h *UDP)

	// poll blocks for at most timeout (negative means infinite) and
	// delivers ready events, which synchronously complete() any request
	// they affect.
	poll(loop *Loop, timeout time.Duration) error

	// wake is the primitive Async.Send() uses to interrupt a blocked
	// poll from a foreign thread.
	wake() error

	// close releases backend-wide resources (epoll fd, IOCP handle,
	// ring). Called once from Loop teardown after Run returns.
	close() error
}

// sockaddr is the portable address shape armConnect/udpBind take, avoiding
// a hard dependency of the core on syscall.Sockaddr (unix-only) or
// windows.Sockaddr: each backend converts it to its native representation.
type sockaddr struct {
	IP   [16]byte // v4-mapped for v4 addresses, as net.IP.To16() would give
	Port int
	Is6  bool
	Zone string
}
