package evloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrepareAndCheckRunAroundPoll(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	var order []string
	prep := NewPrepare(loop)
	chk := NewCheck(loop)
	timer := NewTimer(loop)

	prep.Start(func(*Prepare) { order = append(order, "prepare") })
	chk.Start(func(*Check) {
		order = append(order, "check")
		if len(order) >= 4 {
			prep.Stop()
			chk.Stop()
			timer.Stop()
			loop.Unref()
			loop.Unref()
			loop.Unref()
		}
	})
	timer.Start(func(*Timer) {}, 0, 1)

	require.NoError(t, loop.Run())
	require.GreaterOrEqual(t, len(order), 4)
	require.Equal(t, "prepare", order[0])
}

func TestIdleRunsUntilStopped(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	idle := NewIdle(loop)
	calls := 0
	idle.Start(func(i *Idle) {
		calls++
		if calls == 3 {
			i.Stop()
			i.loop.Unref()
		}
	})

	require.NoError(t, loop.Run())
	require.Equal(t, 3, calls)
}

func TestWatcherCanStopItselfMidIteration(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	a := NewCheck(loop)
	b := NewCheck(loop)
	timer := NewTimer(loop)

	aCalls, bCalls := 0, 0
	a.Start(func(c *Check) {
		aCalls++
		c.Stop() // self-stop mid-pass must leave b linked for later passes
	})
	b.Start(func(c *Check) {
		bCalls++
		if bCalls == 2 {
			c.Stop()
			timer.Stop()
			loop.Unref()
			loop.Unref()
			loop.Unref()
		}
	})
	timer.Start(func(*Timer) {}, 0, 1)

	require.NoError(t, loop.Run())
	require.Equal(t, 1, aCalls)
	require.Equal(t, 2, bCalls)
}
