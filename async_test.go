package evloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAsyncDeliversAfterCrossGoroutineSend(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	var delivered atomic.Bool
	var a *Async
	a = NewAsync(loop, func(*Async) {
		delivered.Store(true)
		a.Close(func() {})
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, a.Send())
	}()

	require.NoError(t, loop.Run())
	require.True(t, delivered.Load())
}

func TestAsyncSendCoalescesConcurrentCalls(t *testing.T) {
	loop, err := New(DefaultOptions)
	require.NoError(t, err)
	defer loop.Close()

	var deliveries atomic.Int32
	var a *Async
	a = NewAsync(loop, func(*Async) {
		deliveries.Add(1)
		a.Close(func() {})
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Send()
		}()
	}
	wg.Wait()

	require.NoError(t, loop.Run())
	require.GreaterOrEqual(t, deliveries.Load(), int32(1))
}
