package evloop

import "sync/atomic"

// AsyncCallback runs on the loop's thread once per observed wake-up
// (coalesced per spec.md §4.6).
type AsyncCallback func(a *Async)

// Async is the only handle whose Send method may be called from a thread
// other than the one that owns the Loop (spec.md §1 non-goals / §5). It
// wraps the backend's wake primitive (eventfd/pipe on Unix,
// PostQueuedCompletionStatus on Windows) with the single-byte
// compare-and-set flag spec.md §4.6 describes, so N sends observed before
// the loop drains the wake-up produce at least one callback invocation,
// and a send after the last drain is guaranteed another.
type Async struct {
	handleHeader
	cb   AsyncCallback
	sent atomic.Uint32 // 0 = idle, 1 = a wake-up is in flight
}

// NewAsync allocates and arms an async handle. cb fires on the loop thread
// whenever Send has transitioned the flag 0->1 since the last callback.
func NewAsync(loop *Loop, cb AsyncCallback) *Async {
	a := &Async{cb: cb}
	a.init(loop, handleAsync)
	a.stopInScheduler = func() {}
	a.onEndgame = func() { loop.unregisterAsync(a) }
	loop.refInternal()
	loop.registerAsync(a)
	return a
}

// Send performs an atomic compare-and-set on the sent flag; only the
// thread that transitions it 0->1 posts a wake-up unit to the loop's wake
// primitive, which is what gives coalescing its "at least one, not
// necessarily N" guarantee (spec.md §4.6/§8 scenario 6). The caller must
// stop calling Send before Close — racing the two is undefined, per
// spec.md §4.6.
func (a *Async) Send() error {
	if a.sent.CompareAndSwap(0, 1) {
		return a.loop.backend.wake()
	}
	return nil
}

// deliver is invoked by the backend when it observes a wake-up. It clears
// the flag *before* invoking the user callback (spec.md §4.6: "cleared...
// before invoking the user callback, so at least one callback invocation
// follows every send").
func (a *Async) deliver() {
	a.sent.Store(0)
	if a.cb != nil {
		a.cb(a)
	}
}
