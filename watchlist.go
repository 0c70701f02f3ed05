package evloop

// watchHandle is the minimal shape shared by Prepare/Check/Idle: a doubly
// linked intrusive list node plus the callback to invoke each phase.
type watchHandle struct {
	handleHeader
	prev, next *watchHandle
	cb         func()
}

// watchList is a doubly linked intrusive list of prepare/check/idle
// watchers, with the "safe iteration" cursor described in spec.md §4.1/§4.5:
// before iterating, the loop copies the list head into next*Handle; if the
// handle currently being invoked calls Stop on itself (or another watcher
// later in the list does), the cursor is advanced so iteration is never
// corrupted by an unlink happening mid-pass.
type watchList struct {
	head   *watchHandle
	cursor *watchHandle // the "next_X_handle" of spec.md §4.1
}

func (l *watchList) insert(w *watchHandle) {
	w.next = l.head
	w.prev = nil
	if l.head != nil {
		l.head.prev = w
	}
	l.head = w
}

func (l *watchList) remove(w *watchHandle) {
	// if the cursor is about to visit w, advance it first so the
	// in-progress pass still visits every other live watcher.
	if l.cursor == w {
		l.cursor = w.next
	}
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		l.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	}
	w.prev = nil
	w.next = nil
}

// invokeAll runs cb on every watcher present at the start of the call,
// tolerating Stop() calls (including self-Stop) made from within a
// callback, per the cursor discipline above.
func (l *watchList) invokeAll() {
	l.cursor = l.head
	for l.cursor != nil {
		w := l.cursor
		l.cursor = w.next
		if w.cb != nil {
			w.cb()
		}
	}
	l.cursor = nil
}

func (l *watchList) empty() bool { return l.head == nil }

// startWatch is shared by Prepare.Start/Check.Start/Idle.Start: idempotent
// with respect to flagActive, O(1) head insertion (spec.md §4.5). The loop
// ref count is untouched here — every handle refs the loop once at init and
// unrefs once at close (handle.go), independent of its active/scheduled
// state, matching spec.md §3's "handles that have been initialised and not
// yet closed".
func startWatch(w *watchHandle, list *watchList, cb func()) {
	if w.flags.has(flagActive) {
		w.cb = cb
		return
	}
	w.cb = cb
	w.flags |= flagActive
	list.insert(w)
}

func stopWatch(w *watchHandle, list *watchList) {
	if !w.flags.has(flagActive) {
		return
	}
	w.flags &^= flagActive
	list.remove(w)
}
