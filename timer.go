package evloop

import "container/heap"

// TimerCallback is invoked when a timer's due time elapses.
type TimerCallback func(t *Timer)

// Timer is a handle keyed by (due, stable sequence) in the loop's timer
// heap. Ordering ties are broken by the monotonic sequence number assigned
// at insertion, giving a deterministic fire order for same-due timers
// (spec.md §3 "Timer" / §5 "Timers with the same due fire in stable-tiebreak
// order").
type Timer struct {
	handleHeader

	cb       TimerCallback
	due      int64 // ms
	repeat   int64 // ms, 0 = one-shot
	seq      uint64
	heapIdx  int
	started  bool // cb has been bound at least once; required by Again
}

// NewTimer allocates a timer handle on loop. It does not start ticking
// until Start is called.
func NewTimer(loop *Loop) *Timer {
	t := &Timer{heapIdx: -1}
	t.init(loop, handleTimer)
	t.stopInScheduler = t.stop
	loop.refInternal()
	return t
}

// Start arms (or rearms) the timer: any existing scheduling is removed
// first, then it is reinserted at now+timeout, repeating every repeat
// milliseconds thereafter (0 = one-shot), per spec.md §4.2.
func (t *Timer) Start(cb TimerCallback, timeout, repeat int64) {
	if t.flags.has(flagActive) {
		heap.Remove(&t.loop.timers, t.heapIdx)
	}
	t.cb = cb
	t.started = true
	t.repeat = repeat
	t.due = t.loop.clock.millis() + timeout
	t.seq = t.loop.nextTimerSeq()
	t.flags |= flagActive
	heap.Push(&t.loop.timers, t)
}

// Stop removes the timer from the heap if scheduled; idempotent.
func (t *Timer) Stop() {
	if !t.flags.has(flagActive) {
		return
	}
	heap.Remove(&t.loop.timers, t.heapIdx)
	t.flags &^= flagActive
}

func (t *Timer) stop() { t.Stop() }

// Again restarts a repeating timer using its current Repeat() value,
// starting the countdown over from now. It fails (no-op other than the
// documented panic) if the timer was never started, and is a no-op when
// repeat is 0, exactly as spec.md §4.2 specifies.
func (t *Timer) Again() {
	if !t.started {
		panic("evloop: timer.Again called before timer was ever started")
	}
	if t.repeat == 0 {
		return
	}
	t.Start(t.cb, t.repeat, t.repeat)
}

// SetRepeat mutates the repeat interval without rescheduling a live timer —
// intentional per spec.md §4.2: the new interval only takes effect on the
// timer's next natural reinsertion or the next explicit Again()/Start().
func (t *Timer) SetRepeat(repeat int64) { t.repeat = repeat }

// Repeat returns the current repeat interval in milliseconds.
func (t *Timer) Repeat() int64 { return t.repeat }

// timerHeap implements container/heap.Interface, ordered by (due, seq).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}

// processTimers runs spec.md §4.1 step 2: while the min timer is due,
// remove it, reinsert if repeating, and invoke its callback. Re-extracting
// the min on every step (rather than snapshotting the whole due set first)
// is what lets a callback safely Start/Stop timers, including itself.
func (l *Loop) processTimers() {
	for l.timers.Len() > 0 {
		t := l.timers[0]
		if t.due > l.clock.millis() {
			return
		}
		heap.Pop(&l.timers)
		if t.repeat > 0 {
			due := t.due + t.repeat
			if due < l.clock.millis() {
				due = l.clock.millis()
			}
			t.due = due
			t.seq = l.nextTimerSeq()
			heap.Push(&l.timers, t)
		} else {
			t.flags &^= flagActive
		}
		if t.cb != nil {
			t.cb(t)
		}
	}
}
