package evloop

// pendingQueue is the FIFO of requests that have completed or errored and
// are awaiting user-callback dispatch (spec.md §3 "Pending-request queue").
// It is a plain owned slice rather than the source's intrusive singly
// linked list (spec.md §9 REDESIGN FLAGS): nothing outside the loop ever
// holds a pointer into it, so there is nothing an intrusive list buys here.
type pendingQueue struct {
	items []*requestHeader
}

func (q *pendingQueue) push(r *requestHeader) {
	q.items = append(q.items, r)
}

func (q *pendingQueue) empty() bool { return len(q.items) == 0 }

// drainSnapshot takes ownership of the current queue contents and resets
// the queue to empty, so requests enqueued by a callback running during
// this drain wait for the next inner iteration (spec.md §4.1 step 3a: "new
// arrivals wait for the next inner iteration").
func (q *pendingQueue) drainSnapshot() []*requestHeader {
	items := q.items
	q.items = nil
	return items
}

// queuePending appends a completed/errored request to the loop's pending
// queue. Called only by requestHeader.complete.
func (l *Loop) queuePending(r *requestHeader) {
	l.pending.push(r)
}

// runPendingBatch invokes the user callback for exactly the requests that
// were queued as of the start of this call — a single snapshot drain, per
// spec.md §4.1 step 3a.
func (l *Loop) runPendingBatch() {
	batch := l.pending.drainSnapshot()
	for _, r := range batch {
		h := r.handle
		if r.dispatch != nil {
			r.dispatch()
		}
		h.requestReturned()
	}
}
