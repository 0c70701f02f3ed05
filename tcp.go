package evloop

// AllocCallback returns a buffer for the next read; its storage is owned by
// the caller, and a ReadCallback that wants to retain the data must copy it
// before returning (spec.md §4.3 "Read buffer contract").
type AllocCallback func(suggestedSize int) []byte

// ReadCallback delivers one read completion. nread == 0 means "the buffer
// you gave me was not used" (not EOF, not an error — e.g. a spurious
// readiness wakeup); nread < 0 with err.Code == EOF is end-of-stream; any
// other negative nread is an error (spec.md §4.3).
type ReadCallback func(h *TCP, nread int, buf []byte, err *Error)

// AcceptCallback fires when a connection is ready on a listening handle.
// The user must call server.Accept(client) from within (or after) this
// callback to claim it; per spec.md §4.3 the server may re-arm/re-post its
// own accept as part of that call.
type AcceptCallback func(server *TCP)

// ConnectCallback delivers the outcome of Connect.
type ConnectCallback func(req *ConnectReq, err *Error)

// WriteCallback delivers the outcome of Write; writes on one stream always
// complete in submission order (spec.md §5).
type WriteCallback func(req *WriteReq, err *Error)

// ShutdownCallback delivers the outcome of Shutdown.
type ShutdownCallback func(req *ShutdownReq, err *Error)

// ConnectReq is the user-owned request object for Connect.
type ConnectReq struct {
	requestHeader
	cb   ConnectCallback
	addr sockaddr
}

// NewConnectReq allocates a request object for TCP.Connect, binding the
// callback that fires once the connect resolves.
func NewConnectReq(cb ConnectCallback) *ConnectReq { return &ConnectReq{cb: cb} }

// WriteReq is the user-owned request object for Write. Multiple WriteReqs
// may be in flight on the same handle at once; they are serviced and
// delivered strictly in submission order.
type WriteReq struct {
	requestHeader
	cb   WriteCallback
	bufs [][]byte
	sent int // bytes of bufs already accepted by the kernel
	next *WriteReq
}

// NewWriteReq allocates a request object for TCP.Write, binding the
// callback that fires once the write fully drains (or errors).
func NewWriteReq(cb WriteCallback) *WriteReq { return &WriteReq{cb: cb} }

// ShutdownReq is the user-owned request object for Shutdown.
type ShutdownReq struct {
	requestHeader
	cb ShutdownCallback
}

// NewShutdownReq allocates a request object for TCP.Shutdown.
func NewShutdownReq(cb ShutdownCallback) *ShutdownReq { return &ShutdownReq{cb: cb} }

// TCP is a stream handle bridging the readiness and completion backends to
// one state machine (spec.md §4.3). States are the flag bits on
// handleHeader, not a separate enum, exactly as spec.md models it.
type TCP struct {
	handleHeader

	fd       int
	bound    sockaddr
	bindErr  *Error
	pendingFD int // raw accepted fd awaiting Accept(), -1 if none

	acceptCB AcceptCallback
	allocCB  AllocCallback
	readCB   ReadCallback

	writeQueue     *WriteReq // head of in-flight write requests, FIFO
	writeQueueTail *WriteReq
	writeQueueSize int

	shutdownReq *ShutdownReq

	// backendState is private scratch the active backend attaches to the
	// handle (e.g. the readiness backend's registration and write-queue
	// bookkeeping, or the IOCP backend's in-flight read buffer). The core
	// never inspects it.
	backendState any
}

// NewTCP allocates an unbound TCP handle on loop (spec.md §4.3 "init").
func NewTCP(loop *Loop) *TCP {
	t := &TCP{fd: -1, pendingFD: -1}
	t.init(loop, handleTCP)
	t.onEndgame = func() { loop.backend.cancelAndClose(t) }
	t.stopInScheduler = func() {
		t.flags &^= flagReading | flagListening
	}
	loop.refInternal()
	return t
}

func (t *TCP) ensureSocket(is6 bool) error {
	if t.fd >= 0 {
		return nil
	}
	fd, err := t.loop.backend.socket(is6, sockStream)
	if err != nil {
		return err
	}
	t.fd = fd
	return nil
}

// Bind assigns a local IPv4 address. On EADDRINUSE specifically, the error
// is stored but not returned — it surfaces at the next Listen/Connect
// (spec.md §4.3 "bind"); every other bind error returns immediately.
func (t *TCP) Bind(addr string) error { return t.bind(addr, false) }

// Bind6 is Bind for an IPv6 literal address.
func (t *TCP) Bind6(addr string) error { return t.bind(addr, true) }

func (t *TCP) bind(addr string, is6 bool) error {
	sa, err := parseAddr(addr)
	if err != nil {
		return t.loop.setLastError(newError(EINVAL, err))
	}
	if err := t.ensureSocket(is6); err != nil {
		return t.loop.setLastError(wrapSysErr(err))
	}
	if bindErr := t.loop.backend.bindTCP(t, sa); bindErr != nil {
		if bindErr.Code == EADDRINUSE {
			t.bindErr = bindErr
			t.flags |= flagBindError
			return nil
		}
		return t.loop.setLastError(bindErr)
	}
	t.bound = sa
	t.flags |= flagBound
	return nil
}

// GetSockname returns the locally bound address.
func (t *TCP) GetSockname() (string, error) {
	if t.fd < 0 {
		return "", t.loop.setLastError(newError(EINVAL, nil))
	}
	return t.bound.String(), nil
}

// Listen marks the handle LISTENING and arms the backend's accept
// machinery (spec.md §4.3 "listen"). Requires a bound fd and that the
// handle isn't already LISTENING or READING.
func (t *TCP) Listen(backlog int, cb AcceptCallback) error {
	if t.flags.has(flagBindError) {
		err := t.bindErr
		t.flags &^= flagBindError
		return t.loop.setLastError(err)
	}
	if t.fd < 0 {
		return t.loop.setLastError(newError(EINVAL, nil))
	}
	if t.flags.has(flagListening | flagReading) {
		return t.loop.setLastError(newError(EALREADY, nil))
	}
	if err := t.loop.backend.listenTCP(t, backlog); err != nil {
		return t.loop.setLastError(wrapSysErr(err))
	}
	t.acceptCB = cb
	t.flags |= flagListening
	t.loop.backend.armAccept(t)
	return nil
}

// Accept transfers the connection the backend staged in t.pendingFD (or
// accepted synchronously, on the readiness backend) into client, and
// re-arms the server's accept unless it is closing (spec.md §4.3
// "accept").
func (t *TCP) Accept(client *TCP) error {
	if t.pendingFD < 0 {
		return t.loop.setLastError(newError(EINVAL, nil))
	}
	client.fd = t.pendingFD
	t.pendingFD = -1
	client.flags |= flagConnection | flagConnected
	if !t.flags.has(flagClosing | flagClosed) {
		t.loop.backend.armAccept(t)
	}
	return nil
}

// Connect submits a nonblocking connect to addr. It auto-binds to the
// wildcard address if the handle is unbound, and fails immediately if a
// prior Bind deferred an address-in-use error (spec.md §4.3 "connect").
func (t *TCP) Connect(req *ConnectReq, addr string) error {
	if t.flags.has(flagBindError) {
		err := t.bindErr
		t.flags &^= flagBindError
		return t.loop.setLastError(err)
	}
	sa, err := parseAddr(addr)
	if err != nil {
		return t.loop.setLastError(newError(EINVAL, err))
	}
	if err := t.ensureSocket(sa.Is6); err != nil {
		return t.loop.setLastError(wrapSysErr(err))
	}
	if !t.flags.has(flagBound) {
		if bindErr := t.loop.backend.bindTCP(t, wildcardAddr(sa.Is6)); bindErr != nil && bindErr.Code != EADDRINUSE {
			return t.loop.setLastError(bindErr)
		}
		t.flags |= flagBound
	}

	req.addr = sa
	req.markPending(&t.handleHeader)
	req.typ = reqConnect
	req.dispatch = func() {
		if req.err == nil {
			t.flags |= flagConnection | flagConnected
		}
		if req.cb != nil {
			req.cb(req, req.err)
		}
	}
	if err := t.loop.backend.armConnect(t, req, sa); err != nil {
		req.flags &^= reqPending
		t.pendingReqs--
		return t.loop.setLastError(wrapSysErr(err))
	}
	return nil
}

// ReadStart arms the read-side drain described in spec.md §4.3: requires
// CONNECTION, rejects a handle already READING or at EOF.
func (t *TCP) ReadStart(alloc AllocCallback, read ReadCallback) error {
	if !t.flags.has(flagConnection) {
		return t.loop.setLastError(newError(EINVAL, nil))
	}
	if t.flags.has(flagReading) {
		return t.loop.setLastError(newError(EALREADY, nil))
	}
	if t.flags.has(flagEOF) {
		return t.loop.setLastError(newError(EINVAL, nil))
	}
	t.allocCB = alloc
	t.readCB = read
	t.flags |= flagReading
	t.loop.backend.armRead(t)
	return nil
}

// ReadStop clears READING. Any read already in flight (a posted zero-byte
// completion read, or a readiness watcher mid-drain) is left alone and
// reported-and-discarded when it returns (spec.md §4.3 "read_stop").
func (t *TCP) ReadStop() {
	if !t.flags.has(flagReading) {
		return
	}
	t.flags &^= flagReading
	t.loop.backend.disarmRead(t)
}

// Write submits bufs for sending, in one request. Writes on the same
// stream complete strictly in submission order (spec.md §4.3/§5).
func (t *TCP) Write(req *WriteReq, bufs [][]byte) error {
	if !t.flags.has(flagConnection) {
		return t.loop.setLastError(newError(EINVAL, nil))
	}
	if t.flags.has(flagShutting) {
		return t.loop.setLastError(newError(EINVAL, nil))
	}
	req.bufs = bufs
	req.typ = reqWrite
	req.markPending(&t.handleHeader)
	t.enqueueWrite(req)

	size := 0
	for _, b := range bufs {
		size += len(b)
	}

	queued := 0
	req.dispatch = func() {
		t.writeQueueSize -= queued
		t.dequeueWrite(req)
		if req.cb != nil {
			req.cb(req, req.err)
		}
	}
	t.loop.backend.armWrite(t, req, concatBufs(bufs))
	// A write the backend finished synchronously is no longer pending and
	// charges nothing; otherwise its full size stays charged until its
	// callback is dispatched.
	if req.flags.has(reqPending) {
		queued = size
		t.writeQueueSize += queued
	}
	return nil
}

func concatBufs(bufs [][]byte) []byte {
	if len(bufs) == 1 {
		return bufs[0]
	}
	size := 0
	for _, b := range bufs {
		size += len(b)
	}
	out := make([]byte, 0, size)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func (t *TCP) enqueueWrite(req *WriteReq) {
	if t.writeQueueTail == nil {
		t.writeQueue = req
	} else {
		t.writeQueueTail.next = req
	}
	t.writeQueueTail = req
}

func (t *TCP) dequeueWrite(req *WriteReq) {
	if t.writeQueue == req {
		t.writeQueue = req.next
		if t.writeQueueTail == req {
			t.writeQueueTail = nil
		}
	}
	req.next = nil
}

// Shutdown issues a half-close once all writes submitted before it have
// drained (spec.md §4.3 "shutdown").
func (t *TCP) Shutdown(req *ShutdownReq) error {
	if !t.flags.has(flagConnection) {
		return t.loop.setLastError(newError(EINVAL, nil))
	}
	if t.flags.has(flagShutting) {
		return t.loop.setLastError(newError(EALREADY, nil))
	}
	t.flags |= flagShutting
	t.shutdownReq = req
	req.typ = reqShutdown
	req.markPending(&t.handleHeader)
	req.dispatch = func() {
		if req.err == nil {
			t.flags |= flagShut
		}
		if req.cb != nil {
			req.cb(req, req.err)
		}
	}
	t.loop.backend.armShutdown(t, req)
	return nil
}

// WriteQueueSize reports bytes charged to this handle's write queue
// (spec.md §3 "write-queue size in bytes"): a write the kernel did not
// accept in full at submission stays charged at its full size until its
// callback runs.
func (t *TCP) WriteQueueSize() int { return t.writeQueueSize }
