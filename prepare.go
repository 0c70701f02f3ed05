package evloop

// Prepare is invoked once per loop iteration, just before the loop blocks
// in poll (spec.md §4.1 step 5). Typically used to flush state gathered by
// check/idle callbacks from the previous iteration.
type Prepare struct {
	watchHandle
}

// NewPrepare allocates a prepare watcher on loop. It does nothing until
// Start is called.
func NewPrepare(loop *Loop) *Prepare {
	p := &Prepare{}
	p.init(loop, handlePrepare)
	p.stopInScheduler = func() { stopWatch(&p.watchHandle, &loop.prepare) }
	loop.refInternal()
	return p
}

// Start registers cb to run every iteration's prepare phase.
func (p *Prepare) Start(cb func(*Prepare)) {
	startWatch(&p.watchHandle, &p.loop.prepare, func() { cb(p) })
}

// Stop unregisters the watcher; safe to call from within cb, including on
// itself, thanks to the loop's safe-iteration cursor (spec.md §4.5).
func (p *Prepare) Stop() { stopWatch(&p.watchHandle, &p.loop.prepare) }
