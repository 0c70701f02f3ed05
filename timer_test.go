package evloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTimerFiresOnceByDefault(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	calls := 0
	timer := NewTimer(loop)
	timer.Start(func(t *Timer) {
		calls++
		t.loop.Unref()
	}, 1, 0)

	require.NoError(t, loop.Run())
	require.Equal(t, 1, calls)
}

func TestTimerRepeatsUntilStopped(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	calls := 0
	timer := NewTimer(loop)
	timer.Start(func(tm *Timer) {
		calls++
		if calls == 3 {
			tm.Stop()
			tm.loop.Unref()
		}
	}, 1, 1)

	require.NoError(t, loop.Run())
	require.Equal(t, 3, calls)
}

func TestTimerSameDueFiresInInsertionOrder(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	var order []int
	a := NewTimer(loop)
	b := NewTimer(loop)
	c := NewTimer(loop)

	a.Start(func(t *Timer) { order = append(order, 1) }, 0, 0)
	b.Start(func(t *Timer) { order = append(order, 2) }, 0, 0)
	c.Start(func(t *Timer) {
		order = append(order, 3)
		t.loop.Unref()
		a.loop.Unref()
		b.loop.Unref()
	}, 0, 0)

	require.NoError(t, loop.Run())
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestTimerAgainRestartsFromNow(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	timer := NewTimer(loop)
	calls := 0
	timer.Start(func(tm *Timer) {
		calls++
		if calls == 1 {
			tm.Again()
			return
		}
		tm.loop.Unref()
	}, 1, 5)

	require.NoError(t, loop.Run())
	require.Equal(t, 2, calls)
}

func TestTimerAgainPanicsIfNeverStarted(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	timer := NewTimer(loop)
	require.Panics(t, func() { timer.Again() })
}
