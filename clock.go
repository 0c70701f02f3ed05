package evloop

import "time"

// clock caches a monotonic millisecond reading per loop iteration (spec.md
// §3/§4.1 "time source... cached per loop iteration"). Reading it more than
// once per iteration would let a long user callback observe time moving
// backwards relative to a timer's due value computed earlier the same
// iteration, which the timer heap's tie-break relies on not happening.
type clock struct {
	now int64 // milliseconds, monotonic, counted from clockBase's Unix time
}

// clockBase anchors every loop clock; elapsed time since it is measured with
// Go's monotonic clock reading, so wall-clock adjustments do not move it.
var clockBase = time.Now()

func (c *clock) update() {
	c.now = clockBase.UnixMilli() + time.Since(clockBase).Milliseconds()
}

func (c *clock) millis() int64 { return c.now }
