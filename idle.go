package evloop

// Idle watchers run in the drain phase of a loop iteration (spec.md §4.1
// step 3). That phase repeats, alternating pending/endgame processing with
// one pass over the idle watchers, for as long as the loop is referenced and
// any idle watcher is active; timers, prepare/check watchers and poll are
// not reached until every idle watcher has stopped, so the loop never sleeps
// while one is active. Typical use is "do a little work whenever the loop is
// otherwise free", not a periodic timer substitute.
type Idle struct {
	watchHandle
}

// NewIdle allocates an idle watcher on loop. It does nothing until Start is
// called.
func NewIdle(loop *Loop) *Idle {
	i := &Idle{}
	i.init(loop, handleIdle)
	i.stopInScheduler = func() { stopWatch(&i.watchHandle, &loop.idle) }
	loop.refInternal()
	return i
}

// Start registers cb to run on every pass of the loop's drain phase.
func (i *Idle) Start(cb func(*Idle)) {
	startWatch(&i.watchHandle, &i.loop.idle, func() { cb(i) })
}

// Stop unregisters the watcher; safe to call from within cb.
func (i *Idle) Stop() { stopWatch(&i.watchHandle, &i.loop.idle) }
