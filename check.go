package evloop

// Check is invoked once per loop iteration, right after poll returns
// (spec.md §4.1 step 7). Typically paired with a Prepare watcher to bracket
// work around the blocking poll call.
type Check struct {
	watchHandle
}

// NewCheck allocates a check watcher on loop. It does nothing until Start
// is called.
func NewCheck(loop *Loop) *Check {
	c := &Check{}
	c.init(loop, handleCheck)
	c.stopInScheduler = func() { stopWatch(&c.watchHandle, &loop.check) }
	loop.refInternal()
	return c
}

// Start registers cb to run every iteration's check phase.
func (c *Check) Start(cb func(*Check)) {
	startWatch(&c.watchHandle, &c.loop.check, func() { cb(c) })
}

// Stop unregisters the watcher; safe to call from within cb.
func (c *Check) Stop() { stopWatch(&c.watchHandle, &c.loop.check) }
