package evloop

// requestType tags a request's concrete payload, mirroring handleType.
type requestType int

const (
	reqConnect requestType = iota
	reqAccept
	reqRead
	reqWrite
	reqShutdown
	reqWakeup
)

// requestFlags is deliberately a single bit today (PENDING) but kept as a
// bitset so a future flag doesn't change every call site.
type requestFlags uint32

const reqPending requestFlags = 1 << 0

// requestHeader is embedded by every concrete request type (ConnectReq,
// WriteReq, ShutdownReq, ...). Per spec.md §3 a request is owned by the
// user: the loop may only mutate it while reqPending is set, and must clear
// reqPending before invoking the user callback. Re-submitting a request
// whose reqPending bit is still set is a caller bug.
type requestHeader struct {
	typ    requestType
	flags  requestFlags
	handle *handleHeader
	err    *Error

	// next is not used by the pending-request queue, which is a plain
	// slice (pending.go).
	next *requestHeader

	// dispatch is set at submission time to the type-specific callback
	// invocation closure: capturing the user callback + decoded result
	// in one place instead of a generic func(res,flags,err) cast per
	// spec.md §9's "small capability enum per request type" guidance.
	dispatch func()
}

func (r *requestHeader) markPending(h *handleHeader) {
	if r.flags.has(reqPending) {
		panic("evloop: request resubmitted while still pending")
	}
	r.flags |= reqPending
	r.handle = h
	h.pendingReqs++
}

func (f requestFlags) has(bit requestFlags) bool { return f&bit != 0 }

// complete clears PENDING, stores the error, and hands the request to the
// loop's pending-request queue for dispatch in the next drain (spec.md
// §4.1 step 3). Called from backend callbacks (readiness-watcher drain or
// completion dequeue) — never directly from user code.
func (r *requestHeader) complete(err *Error) {
	if !r.flags.has(reqPending) {
		panic("evloop: completing a request that was not pending")
	}
	r.flags &^= reqPending
	r.err = err
	r.handle.loop.queuePending(r)
}
