package evloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloseQueuesEndgameImmediatelyWithNoPendingRequests(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	timer := NewTimer(loop)
	closed := false
	timer.Close(func() { closed = true })

	require.True(t, timer.flags.has(flagClosing|flagEndgameQueued))
	require.False(t, closed)

	loop.endgame.drain()

	require.True(t, closed)
	require.True(t, timer.flags.has(flagClosed))
	require.Equal(t, int64(0), loop.refs)
}

func TestCloseWaitsForInFlightRequestBeforeEndgame(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	timer := NewTimer(loop)

	req := &requestHeader{}
	req.markPending(&timer.handleHeader)

	closed := false
	timer.Close(func() { closed = true })

	require.False(t, closed, "endgame must wait for the outstanding request")
	require.False(t, timer.flags.has(flagEndgameQueued))

	req.complete(nil)
	loop.runPendingBatch()
	loop.endgame.drain()

	require.True(t, closed)
}

func TestRequestCompleteOnNonPendingRequestPanics(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	timer := NewTimer(loop)
	req := &requestHeader{handle: &timer.handleHeader}
	require.Panics(t, func() { req.complete(nil) })
}
