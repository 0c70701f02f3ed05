package evloop

import "time"

// Loop is an explicit event-loop instance. There is no process-wide default
// loop (spec.md §9 REDESIGN FLAGS: "rearchitect as an explicit loop value
// passed to every API"); callers construct one with New and pass it to
// every handle constructor.
type Loop struct {
	backend backend
	clock   clock

	timers  timerHeap
	timerSeq uint64

	pending pendingQueue
	endgame endgameQueue

	prepare watchList
	check   watchList
	idle    watchList

	asyncs []*Async

	refs int64

	lastErr *Error

	opts Options
}

// BackendKind selects which backend implementation NewWithBackend
// constructs (spec.md §4.8/§4.9 "Backend abstraction").
type BackendKind int

const (
	// BackendPlatformDefault is the readiness backend (epoll/kqueue) on
	// Unix, the IOCP completion backend on Windows.
	BackendPlatformDefault BackendKind = iota
	// BackendIOUring is the opt-in Linux completion backend, only present
	// in binaries built with -tags iouring; NewWithBackend returns an
	// error for this kind otherwise.
	BackendIOUring
)

// New constructs a Loop using the platform's default backend. Equivalent
// to NewWithBackend(opts, BackendPlatformDefault).
func New(opts Options) (*Loop, error) {
	return NewWithBackend(opts, BackendPlatformDefault)
}

// NewWithBackend constructs a Loop using the requested backend kind
// (spec.md §4.8/§4.9). Selecting BackendIOUring on a binary not built with
// -tags iouring on linux returns an error rather than failing to compile.
func NewWithBackend(opts Options, kind BackendKind) (*Loop, error) {
	opts = opts.withDefaults()
	var b backend
	var err error
	switch kind {
	case BackendIOUring:
		b, err = newIOUringBackend(opts)
	default:
		b, err = newDefaultBackend(opts)
	}
	if err != nil {
		return nil, err
	}
	return newLoop(b, opts), nil
}

func newLoop(b backend, opts Options) *Loop {
	l := &Loop{backend: b, opts: opts}
	l.clock.update()
	return l
}

func (l *Loop) nextTimerSeq() uint64 {
	l.timerSeq++
	return l.timerSeq
}

// refInternal is called once by every handle constructor. It is not part
// of the public API; Ref/Unref below are the user-facing equivalent spec.md
// §6 exposes on Loop directly.
func (l *Loop) refInternal()   { l.refs++ }
func (l *Loop) unrefInternal() { l.refs-- }

func (l *Loop) registerAsync(a *Async) { l.asyncs = append(l.asyncs, a) }

func (l *Loop) unregisterAsync(a *Async) {
	for i, x := range l.asyncs {
		if x == a {
			l.asyncs = append(l.asyncs[:i], l.asyncs[i+1:]...)
			return
		}
	}
}

// processAsyncs delivers every Async handle whose sent flag is currently
// set. It is called once per poll() regardless of which fd actually woke
// the backend — cheap, since the number of Async handles on a loop is
// small, and it lets every backend share one wake primitive instead of
// each Async owning its own (spec.md §4.6).
func (l *Loop) processAsyncs() {
	for _, a := range l.asyncs {
		if a.sent.Load() == 1 {
			a.deliver()
		}
	}
}

// Ref increments the loop's liveness reference count, per spec.md §4.1/§6.
func (l *Loop) Ref() { l.refs++ }

// Unref decrements it; once refs reaches zero and no pending/endgame/idle
// work remains, Run returns (spec.md §3 "Loop reference count... minus any
// unref'd offset").
func (l *Loop) Unref() { l.refs-- }

// Now returns the loop's cached monotonic time, updated once per iteration
// (spec.md §4.1 step 1). It does not call into the OS clock.
func (l *Loop) Now() time.Time { return time.UnixMilli(l.clock.millis()) }

// UpdateTime forces a fresh clock reading outside of Run's normal per
// iteration update; mainly useful in tests that want Now() current right
// after a long synchronous operation.
func (l *Loop) UpdateTime() { l.clock.update() }

// LastError returns the error stored by the most recent failing
// synchronous API call on this loop (spec.md §6 "last-error slot").
func (l *Loop) LastError() *Error { return l.lastErr }

func (l *Loop) setLastError(err *Error) *Error {
	l.lastErr = err
	return err
}

// hasWork reports whether the loop has anything left to do besides
// blocking in poll: idle watchers, pending requests, or endgame handles
// (spec.md §4.1 step 3's drain condition).
func (l *Loop) hasWork() bool {
	return !l.idle.empty() || !l.pending.empty() || !l.endgame.empty()
}

// pollTimeout computes how long poll() may block, per spec.md §5:
//   - 0 if any idle watcher is registered;
//   - max(0, min_timer_due-now) clamped to PollTimeoutMaxMillis, if any
//     timer is scheduled;
//   - negative ("infinite") otherwise.
func (l *Loop) pollTimeout() time.Duration {
	if !l.idle.empty() {
		return 0
	}
	if l.timers.Len() > 0 {
		delta := l.timers[0].due - l.clock.millis()
		if delta < 0 {
			delta = 0
		}
		if delta > l.opts.PollTimeoutMaxMillis {
			delta = l.opts.PollTimeoutMaxMillis
		}
		return time.Duration(delta) * time.Millisecond
	}
	return -1
}

// Run drives the loop through its phases (spec.md §4.1) until the ref
// count reaches zero. It returns nil when the loop exits cleanly.
func (l *Loop) Run() error {
	for {
		l.clock.update()
		l.processTimers()

		for l.refs > 0 && l.hasWork() {
			for !l.pending.empty() || !l.endgame.empty() {
				l.endgame.drain()
				l.runPendingBatch()
			}
			l.idle.invokeAll()
		}

		if l.refs <= 0 {
			// Flush whatever is still queued so Run never returns with
			// pending requests or endgame handles left behind.
			for !l.pending.empty() || !l.endgame.empty() {
				l.endgame.drain()
				l.runPendingBatch()
			}
			return nil
		}

		l.prepare.invokeAll()

		if err := l.backend.poll(l, l.pollTimeout()); err != nil {
			return err
		}

		l.check.invokeAll()
	}
}

// Close releases the backend's OS resources. Call after Run returns (or
// instead of running the loop at all, in tests that only exercise
// synchronous paths).
func (l *Loop) Close() error {
	return l.backend.close()
}
