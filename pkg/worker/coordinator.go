package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/pkg/api"
)

// PoolOptions bound the number of live workers.
type PoolOptions struct {
	MinWorkers int
	MaxWorkers int

	// StopWhenNoWork stops the coordinator once an idle worker finds the
	// pool at its minimum size.
	StopWhenNoWork bool
}

// CoordinatorConfig describes how to construct a Coordinator.
type CoordinatorConfig struct {
	// Name prefixes worker names ("<Name>-<n>").
	Name     string
	Runtime  *engine.RuntimeData
	Registry api.Registry
	Observer api.Observer
	Logger   *slog.Logger
	Settings Settings
	Pool     PoolOptions
}

// Stats is a snapshot of the coordinator's counters.
type Stats struct {
	LiveWorkers    int
	CreatedWorkers int64
	FaultedWorkers int64
}

// Coordinator runs a dynamically sized set of workers sharing one
// Throttle. It adds workers up to MaxWorkers while there is work and lets
// idle workers exit down to MinWorkers.
type Coordinator struct {
	cfg      CoordinatorConfig
	throttle *Throttle
	logger   *slog.Logger
	observer api.Observer

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	current int
	created int64
	faulted int64

	wg sync.WaitGroup
}

// Ensure Coordinator implements Pool.
var _ Pool = (*Coordinator)(nil)

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Pool.MinWorkers < 0 {
		cfg.Pool.MinWorkers = 0
	}
	if cfg.Pool.MaxWorkers < 1 {
		cfg.Pool.MaxWorkers = 1
	}
	if cfg.Pool.MinWorkers > cfg.Pool.MaxWorkers {
		cfg.Pool.MinWorkers = cfg.Pool.MaxWorkers
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Settings = cfg.Settings.withDefaults()

	return &Coordinator{
		cfg:      cfg,
		throttle: NewThrottle(),
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}
}

// Throttle returns the idle throttle shared by the workers.
func (c *Coordinator) Throttle() *Throttle { return c.throttle }

var errAlreadyStarted = errors.New("coordinator already started")

// Start launches the initial workers, at least one and at least
// MinWorkers. Workers stop when ctx is done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		return errAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	initial := max(c.cfg.Pool.MinWorkers, 1)
	for i := 0; i < initial; i++ {
		c.TryAddWorker()
	}
	c.logger.Info("worker pool started",
		"min_workers", c.cfg.Pool.MinWorkers, "max_workers", c.cfg.Pool.MaxWorkers,
		"stop_when_no_work", c.cfg.Pool.StopWhenNoWork)
	return nil
}

// Done is closed once the coordinator has been stopped, by its parent
// context, Stop or the last idle worker. It is nil before Start.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil
	}
	return c.ctx.Done()
}

// Stop cancels every worker. It does not wait; see Wait.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every worker goroutine has exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Nudge tells the pool that new work is ready: idle workers wake up and a
// worker is added if there is room.
func (c *Coordinator) Nudge() {
	c.throttle.Signal()
	c.TryAddWorker()
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{LiveWorkers: c.current, CreatedWorkers: c.created, FaultedWorkers: c.faulted}
}

// TryAddWorker starts a worker if fewer than MaxWorkers are live and the
// coordinator is running.
func (c *Coordinator) TryAddWorker() bool {
	c.mu.Lock()
	if c.ctx == nil || c.ctx.Err() != nil || c.current >= c.cfg.Pool.MaxWorkers {
		c.mu.Unlock()
		return false
	}
	c.current++
	c.created++
	name := fmt.Sprintf("%s-%d", c.cfg.Name, c.created)
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go c.supervise(ctx, name)
	return true
}

// MayWorkerDie lets an idle worker exit while more than MinWorkers are
// live. With StopWhenNoWork, an idle worker that would take the pool to
// MinWorkers (or to none when MinWorkers is 0) stops the coordinator
// instead.
func (c *Coordinator) MayWorkerDie() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.cfg.Pool.StopWhenNoWork && c.current <= max(c.cfg.Pool.MinWorkers, 1):
		c.current--
		c.logger.Info("no work left, stopping worker pool")
		c.cancel()
		return true
	case c.current > c.cfg.Pool.MinWorkers:
		c.current--
		return true
	}
	return false
}

// supervise runs one worker and reconciles the live count when it exits,
// whether it returned, was cancelled or panicked.
func (c *Coordinator) supervise(ctx context.Context, name string) {
	defer c.wg.Done()

	released := false
	var fault error
	defer func() {
		if r := recover(); r != nil {
			fault = fmt.Errorf("worker %s panicked: %v\n%s", name, r, debug.Stack())
		}

		c.mu.Lock()
		if !released {
			c.current--
		}
		if fault != nil {
			c.faulted++
		}
		belowMin := c.current < c.cfg.Pool.MinWorkers
		c.mu.Unlock()

		c.observer.OnWorkerStopped(ctx, name, fault)
		if fault != nil {
			c.logger.Error("worker faulted", "worker", name, "error", fault)
			if belowMin {
				c.TryAddWorker()
			}
		}
	}()

	w := New(Config{
		Name:     name,
		Runtime:  c.cfg.Runtime,
		Registry: c.cfg.Registry,
		Throttle: c.throttle,
		Pool:     c,
		Observer: c.observer,
		Logger:   c.logger,
		Settings: c.cfg.Settings,
	})
	c.observer.OnWorkerStarted(ctx, name)
	released = w.Run(ctx)
}
