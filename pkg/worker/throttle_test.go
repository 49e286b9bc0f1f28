package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottle_WaitReturnsWhenNotRaised(t *testing.T) {
	th := NewThrottle()
	start := time.Now()
	require.NoError(t, th.Wait(context.Background()))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestThrottle_WaitsUntilThreshold(t *testing.T) {
	th := NewThrottle()
	th.Extend(40 * time.Millisecond)
	th.Extend(time.Millisecond)

	start := time.Now()
	require.NoError(t, th.Wait(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestThrottle_SignalWakesWaiters(t *testing.T) {
	th := NewThrottle()
	th.Extend(time.Hour)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { done <- th.Wait(context.Background()) }()
	}

	time.Sleep(10 * time.Millisecond)
	th.Signal()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken by Signal")
		}
	}
	require.True(t, th.Until().IsZero())
}

func TestThrottle_WaitHonorsCancellation(t *testing.T) {
	th := NewThrottle()
	th.Extend(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, th.Wait(ctx), context.DeadlineExceeded)
}
