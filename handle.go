package evloop

// handleType tags the concrete payload a handleHeader belongs to: an
// explicit tagged variant rather than a pointer cast from a union
// (REDESIGN FLAGS, spec.md §9).
type handleType int

const (
	handleTCP handleType = iota
	handleUDP
	handleTimer
	handlePrepare
	handleCheck
	handleIdle
	handleAsync
)

func (t handleType) String() string {
	switch t {
	case handleTCP:
		return "tcp"
	case handleUDP:
		return "udp"
	case handleTimer:
		return "timer"
	case handlePrepare:
		return "prepare"
	case handleCheck:
		return "check"
	case handleIdle:
		return "idle"
	case handleAsync:
		return "async"
	default:
		return "unknown"
	}
}

// handleFlags is the bitset from spec.md §3. Some bits are mutually
// exclusive by role (e.g. a LISTENING tcp handle is never CONNECTION) but
// they share one word because only one handle ever reads its own flags.
type handleFlags uint32

const (
	flagClosing handleFlags = 1 << iota
	flagClosed
	flagBound
	flagListening
	flagConnection
	flagConnected
	flagReading
	flagActive
	flagEOF
	flagShutting
	flagShut
	flagEndgameQueued
	flagBindError
)

func (f handleFlags) has(bit handleFlags) bool { return f&bit != 0 }

// CloseCallback is invoked exactly once per handle, from the endgame phase,
// after every request that was ever pending on the handle has returned.
type CloseCallback func()

// handleHeader is the common header every handle type embeds. It is never
// used standalone; TCP/UDP/Timer/Prepare/Check/Idle/Async all embed it.
type handleHeader struct {
	typ     handleType
	flags   handleFlags
	loop    *Loop
	closeCB CloseCallback
	data    any

	// endgame list linkage (singly linked, see endgame.go)
	endgameNext *handleHeader

	// capability set dispatched during endgame/teardown, set by the
	// concrete handle constructor. Kept as fields (not an interface on
	// handleHeader itself) so handleHeader stays a plain embeddable
	// struct with no virtual dispatch surprises for the embedding type.
	onEndgame       func()
	stopInScheduler func()

	// pendingReqs counts requests submitted on this handle that have not
	// yet returned through the pending queue. close() only queues the
	// endgame once this reaches zero.
	pendingReqs int
}

func (h *handleHeader) init(loop *Loop, typ handleType) {
	h.typ = typ
	h.loop = loop
}

// IsActive reports whether the handle is scheduled in a per-type
// container (timer heap, watcher list) per spec.md §3.
func (h *handleHeader) IsActive() bool { return h.flags.has(flagActive) }

// IsClosing reports whether Close has been called on this handle.
func (h *handleHeader) IsClosing() bool { return h.flags.has(flagClosing | flagClosed) }

// Data returns the user-data pointer attached via SetData.
func (h *handleHeader) Data() any { return h.data }

// SetData attaches an arbitrary user-data value to the handle.
func (h *handleHeader) SetData(v any) { h.data = v }

// Close is non-blocking. It snapshots the close callback, runs type-specific
// teardown, and either queues the endgame immediately (no requests in
// flight) or waits for the last pending request to do so — the two-phase
// close protocol of spec.md §4.7.
func (h *handleHeader) Close(cb CloseCallback) {
	if h.flags.has(flagClosing | flagClosed) {
		return
	}
	h.closeCB = cb
	h.flags |= flagClosing

	if h.stopInScheduler != nil {
		h.stopInScheduler()
	}
	if h.onEndgame != nil {
		h.onEndgame()
	}

	h.maybeQueueEndgame()
}

// maybeQueueEndgame appends the handle to the loop's endgame queue once no
// request is outstanding, guarded by flagEndgameQueued so a handle is never
// queued twice (spec.md §3 invariant).
func (h *handleHeader) maybeQueueEndgame() {
	if h.pendingReqs > 0 {
		return
	}
	if h.flags.has(flagEndgameQueued) {
		return
	}
	h.flags |= flagEndgameQueued
	h.loop.queueEndgame(h)
}

// requestReturned is called by the pending-request drain once a request
// that was borrowed from this handle has had its user callback invoked. It
// is the trigger that lets a close() waiting on in-flight I/O finally queue
// its endgame (spec.md §4.7: "each returning request, upon seeing CLOSING
// with reqs_pending == 0, queues the endgame itself").
func (h *handleHeader) requestReturned() {
	h.pendingReqs--
	if h.pendingReqs < 0 {
		panic("evloop: pendingReqs underflow")
	}
	if h.flags.has(flagClosing) {
		h.maybeQueueEndgame()
	}
}

// runEndgame is invoked by the loop's endgame phase. It sets CLOSED,
// invokes the close callback (the last signal the user receives about this
// handle — spec.md §4.7), and decrements the loop ref count.
func (h *handleHeader) runEndgame() {
	h.flags |= flagClosed
	h.flags &^= flagClosing
	h.loop.unrefInternal()
	if h.closeCB != nil {
		h.closeCB()
	}
}
