package worker

import (
	"context"
	"sync"
	"time"
)

// Throttle is the idle threshold shared by the workers of one engine. Once
// a worker finds no work it extends the threshold, and every worker waits
// for it to pass before polling the store again. Signal lifts it early.
//
// The threshold is kept on the wall clock. It paces polling and is
// unrelated to the clock that schedules steps.
type Throttle struct {
	mu    sync.Mutex
	until time.Time
	wake  chan struct{}
}

func NewThrottle() *Throttle {
	return &Throttle{wake: make(chan struct{})}
}

// Extend raises the threshold to d from now. A threshold already further
// out is kept.
func (t *Throttle) Extend(d time.Duration) {
	until := time.Now().Add(d)
	t.mu.Lock()
	defer t.mu.Unlock()
	if until.After(t.until) {
		t.until = until
	}
}

// Until returns the current threshold.
func (t *Throttle) Until() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.until
}

// Signal clears the threshold and wakes every waiter.
func (t *Throttle) Signal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.until = time.Time{}
	close(t.wake)
	t.wake = make(chan struct{})
}

// Wait blocks until the threshold has passed, Signal is called or ctx is
// done. It returns ctx.Err() in the last case.
func (t *Throttle) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		remaining := time.Until(t.until)
		wake := t.wake
		t.mu.Unlock()

		if remaining <= 0 {
			return ctx.Err()
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
