package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from workers for logging and metrics.
//
// Implementations should be fast and non-blocking; they are called on the
// worker goroutine while the step's row lock is held.
type Observer interface {
	// OnWorkerStarted is called when the coordinator launches a worker.
	OnWorkerStarted(ctx context.Context, worker string)

	// OnWorkerStopped is called when a worker goroutine exits. err is
	// non-nil if the worker panicked.
	OnWorkerStopped(ctx context.Context, worker string, err error)

	// OnStepStart is called before invoking an implementation.
	OnStepStart(ctx context.Context, step *Step)

	// OnStepCompleted is called after an implementation returns, with the
	// status the step transitions to. err is the implementation's error,
	// if any.
	OnStepCompleted(ctx context.Context, step *Step, status Status, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkerStarted(ctx context.Context, worker string)            {}
func (NoopObserver) OnWorkerStopped(ctx context.Context, worker string, err error) {}
func (NoopObserver) OnStepStart(ctx context.Context, step *Step)                   {}
func (NoopObserver) OnStepCompleted(ctx context.Context, step *Step, status Status, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkerStarted(ctx context.Context, worker string) {
	for _, o := range c.observers {
		o.OnWorkerStarted(ctx, worker)
	}
}

func (c *CompositeObserver) OnWorkerStopped(ctx context.Context, worker string, err error) {
	for _, o := range c.observers {
		o.OnWorkerStopped(ctx, worker, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, step *Step) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, step *Step, status Status, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, step, status, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs worker and step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkerStarted(ctx context.Context, worker string) {
	o.Logger.DebugContext(ctx, "worker_started", slog.String("worker", worker))
}

func (o *LoggingObserver) OnWorkerStopped(ctx context.Context, worker string, err error) {
	if err != nil {
		o.Logger.ErrorContext(ctx, "worker_faulted",
			slog.String("worker", worker),
			slog.Any("error", err),
		)
		return
	}
	o.Logger.DebugContext(ctx, "worker_stopped", slog.String("worker", worker))
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, step *Step) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.Int64("step_id", step.ID),
		slog.String("step", step.Name),
		slog.String("flow_id", step.FlowID),
		slog.Int("execution_count", step.ExecutionCount),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, step *Step, status Status, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	if status == StatusFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.Int64("step_id", step.ID),
		slog.String("step", step.Name),
		slog.String("flow_id", step.FlowID),
		slog.String("status", status.String()),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workersStarted atomic.Int64
	workersStopped atomic.Int64
	workersFaulted atomic.Int64
	stepsStarted   atomic.Int64
	stepsDone      atomic.Int64
	stepsFailed    atomic.Int64
	stepsRerun     atomic.Int64
	stepErrors     atomic.Int64
	totalDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkersStarted int64
	WorkersStopped int64
	WorkersFaulted int64
	LiveWorkers    int64

	StepsStarted    int64
	StepsDone       int64
	StepsFailed     int64
	StepsRerun      int64
	StepErrors      int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnWorkerStarted(ctx context.Context, worker string) {
	m.workersStarted.Add(1)
}

func (m *BasicMetrics) OnWorkerStopped(ctx context.Context, worker string, err error) {
	m.workersStopped.Add(1)
	if err != nil {
		m.workersFaulted.Add(1)
	}
}

func (m *BasicMetrics) OnStepStart(ctx context.Context, step *Step) {
	m.stepsStarted.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, step *Step, status Status, err error, d time.Duration) {
	switch status {
	case StatusDone:
		m.stepsDone.Add(1)
	case StatusFailed:
		m.stepsFailed.Add(1)
	case StatusReady:
		m.stepsRerun.Add(1)
	}
	if err != nil {
		m.stepErrors.Add(1)
	}
	m.totalDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workersStarted.Load()
	stopped := m.workersStopped.Load()
	done := m.stepsDone.Load()
	failed := m.stepsFailed.Load()
	rerun := m.stepsRerun.Load()

	var avg time.Duration
	if n := done + failed + rerun; n > 0 {
		avg = time.Duration(m.totalDuration.Load() / n)
	}

	return BasicMetricsSnapshot{
		WorkersStarted:  started,
		WorkersStopped:  stopped,
		WorkersFaulted:  m.workersFaulted.Load(),
		LiveWorkers:     started - stopped,
		StepsStarted:    m.stepsStarted.Load(),
		StepsDone:       done,
		StepsFailed:     failed,
		StepsRerun:      rerun,
		StepErrors:      m.stepErrors.Load(),
		AvgStepDuration: avg,
	}
}
