package stepflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/schedule"
	"github.com/petrijr/stepflow/pkg/formatter"
	"github.com/petrijr/stepflow/pkg/worker"
)

// Notifier carries wakeups between engines sharing a store.
// notify.RedisNotifier implements it.
type Notifier interface {
	// Notify tells other engines that ready work was added.
	Notify(ctx context.Context) error
	// Listen calls wake for every notification from another engine until
	// ctx is done.
	Listen(ctx context.Context, wake func()) error
}

// Option customizes an Engine.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	observer  Observer
	notifier  Notifier
	formatter Formatter
	now       func() time.Time
	closers   []io.Closer
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver receives worker and step lifecycle events.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithNotifier enables cross-process wakeups.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithFormatter overrides the formatter named by Config.StateFormat.
func WithFormatter(f Formatter) Option {
	return func(o *options) { o.formatter = f }
}

// WithClock replaces time.Now. Tests use it to move time forward.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func withClosers(c ...io.Closer) Option {
	return func(o *options) { o.closers = append(o.closers, c...) }
}

// Stats combines the worker pool counters with the queue sizes.
type Stats struct {
	worker.Stats
	Steps map[Queue]int
}

// Engine runs a pool of workers over a step store. Its Runtime adds,
// searches and manages steps and may be used whether or not the engine
// is running.
type Engine struct {
	cfg       Config
	rt        *engine.RuntimeData
	coord     *worker.Coordinator
	recurring *schedule.Recurring
	notifier  Notifier
	logger    *slog.Logger
	closers   []io.Closer

	pending chan struct{}
	quit    chan struct{}
	flushed chan struct{}

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var errEngineStarted = errors.New("engine already started")

func newEngine(p persistence.Persister, reg Registry, cfg Config, opts ...Option) (*Engine, error) {
	o := collect(opts)
	if reg == nil {
		return nil, errors.New("stepflow: registry is required")
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := o.formatter
	if f == nil {
		var err error
		if f, err = formatter.ByName(cfg.StateFormat); err != nil {
			return nil, err
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		notifier: o.notifier,
		logger:   o.logger,
		closers:  o.closers,
		pending:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
		flushed:  make(chan struct{}),
	}
	e.rt = engine.NewRuntimeData(engine.Config{
		Persister: p,
		Formatter: f,
		Logger:    o.logger,
		Now:       o.now,
	})
	e.coord = worker.NewCoordinator(worker.CoordinatorConfig{
		Name:     cfg.WorkerName,
		Runtime:  e.rt,
		Registry: reg,
		Observer: o.observer,
		Logger:   o.logger,
		Settings: cfg.settings(),
		Pool:     cfg.pool(),
	})
	e.rt.SetNudger(engine.NudgerFunc(e.nudge))

	e.recurring = schedule.New(e.rt, o.logger)
	for _, r := range cfg.Recurring {
		err := e.recurring.Add(schedule.Entry{Name: r.Name, Cron: r.Cron, SearchKey: r.SearchKey, State: r.State})
		if err != nil {
			return nil, err
		}
	}

	if e.notifier != nil {
		go e.publish()
	} else {
		close(e.flushed)
	}
	return e, nil
}

// Runtime returns the step API backed by this engine's store.
func (e *Engine) Runtime() *Runtime { return e.rt }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// nudge wakes local workers and queues a notification for other engines.
func (e *Engine) nudge() {
	e.coord.Nudge()
	if e.notifier == nil {
		return
	}
	select {
	case e.pending <- struct{}{}:
	default:
	}
}

// publish coalesces nudges into notifications until Close, then flushes
// one still pending.
func (e *Engine) publish() {
	defer close(e.flushed)
	send := func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TransientErrorDelay)
		defer cancel()
		if err := e.notifier.Notify(ctx); err != nil {
			e.logger.Warn("wakeup notification failed", "error", err)
		}
	}
	for {
		select {
		case <-e.pending:
			send()
		case <-e.quit:
			select {
			case <-e.pending:
				send()
			default:
			}
			return
		}
	}
}

// Start launches the workers, the notification listener and the recurring
// schedule. They run until ctx is done, Stop is called, or, with
// StopWhenNoWork, the last worker finds nothing to do.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errEngineStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.coord.Start(runCtx); err != nil {
		cancel()
		return err
	}
	e.started = true

	if e.notifier != nil {
		e.wg.Add(1)
		go e.listen(runCtx)
	}
	if e.recurring.Len() > 0 {
		e.recurring.Start(runCtx)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-e.coord.Done()
		cancel()
		if e.recurring.Len() > 0 {
			e.recurring.Stop()
		}
		e.logger.Info("engine stopped")
	}()

	e.logger.Info("engine started", "worker_name", e.cfg.WorkerName,
		"state_format", e.rt.Formatter().Name(), "recurring", e.recurring.Len())
	return nil
}

// listen relays notifications to the pool, reconnecting after failures.
func (e *Engine) listen(ctx context.Context) {
	defer e.wg.Done()
	for ctx.Err() == nil {
		err := e.notifier.Listen(ctx, e.coord.Nudge)
		if err == nil || ctx.Err() != nil {
			return
		}
		e.logger.Warn("wakeup listener failed", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(e.cfg.TransientErrorDelay):
		}
	}
}

// Run starts the engine and blocks until it stops. It returns nil after a
// graceful stop.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-e.Done()
	e.Wait()
	return nil
}

// Done is closed when the engine stops. It is nil before Start.
func (e *Engine) Done() <-chan struct{} { return e.coord.Done() }

// Wait blocks until every worker and background goroutine has exited.
func (e *Engine) Wait() {
	e.coord.Wait()
	e.wg.Wait()
}

// Stop asks the workers to finish their current step and waits for them
// until ctx is done. Unfinished steps are rolled back by their worker.
func (e *Engine) Stop(ctx context.Context) error {
	e.coord.Stop()
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop engine: %w", ctx.Err())
	}
}

// Stats returns the pool counters and the sizes of the three queues.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.rt.CountSteps(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: e.coord.Stats(), Steps: counts}, nil
}

// Close flushes a pending notification and releases resources opened by
// Open. It does not stop a running engine.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		close(e.quit)
		<-e.flushed
		for i := len(e.closers) - 1; i >= 0; i-- {
			errs = append(errs, e.closers[i].Close())
		}
	})
	return errors.Join(errs...)
}
