package evloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoopRunExitsWhenRefCountReachesZero(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	timer := NewTimer(loop)
	fired := false
	timer.Start(func(t *Timer) {
		fired = true
		t.loop.Unref() // balance NewTimer's refInternal so Run can exit
	}, 1, 0)

	require.NoError(t, loop.Run())
	require.True(t, fired)
}

func TestLoopNowAdvancesAcrossIterations(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	first := loop.Now()

	timer := NewTimer(loop)
	timer.Start(func(t *Timer) {
		t.loop.Unref()
	}, 5, 0)

	require.NoError(t, loop.Run())
	require.True(t, loop.Now().After(first))
}

func TestLoopLastErrorSurfacesSynchronousFailures(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	tcp := NewTCP(loop)
	err2 := tcp.Bind("not-an-address")
	require.Error(t, err2)
	require.NotNil(t, loop.LastError())
	require.Equal(t, EINVAL, loop.LastError().Code)
}
