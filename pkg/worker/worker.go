package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Outcome is the result of one worker iteration.
type Outcome int

const (
	// OutcomeStop ends the worker loop.
	OutcomeStop Outcome = iota
	// OutcomeContinue means a step was handled; poll again immediately.
	OutcomeContinue
	// OutcomeNoWorkDone means no step was eligible.
	OutcomeNoWorkDone
	// OutcomeError means the store failed; back off and retry.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStop:
		return "stop"
	case OutcomeContinue:
		return "continue"
	case OutcomeNoWorkDone:
		return "no_work_done"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Pool sizes the set of running workers. Coordinator implements it.
type Pool interface {
	// TryAddWorker starts another worker if the pool has room.
	TryAddWorker() bool
	// MayWorkerDie asks permission for an idle worker to exit. When it
	// returns true the worker has already been removed from the count.
	MayWorkerDie() bool
}

// Settings are the timing knobs shared by all workers of an engine.
type Settings struct {
	// IdleDelay is how long workers stop polling after finding no work.
	IdleDelay time.Duration
	// TransientErrorDelay is the pause after a store failure.
	TransientErrorDelay time.Duration
	// MissingHandlerDelay reschedules steps with no implementation.
	MissingHandlerDelay time.Duration
	// MaxRetryDelay caps the backoff of failing steps.
	MaxRetryDelay time.Duration
}

// DefaultSettings returns the default timings.
func DefaultSettings() Settings {
	return Settings{
		IdleDelay:           time.Second,
		TransientErrorDelay: 5 * time.Second,
		MissingHandlerDelay: time.Hour,
		MaxRetryDelay:       DefaultMaxRetryDelay,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.IdleDelay <= 0 {
		s.IdleDelay = d.IdleDelay
	}
	if s.TransientErrorDelay <= 0 {
		s.TransientErrorDelay = d.TransientErrorDelay
	}
	if s.MissingHandlerDelay <= 0 {
		s.MissingHandlerDelay = d.MissingHandlerDelay
	}
	if s.MaxRetryDelay <= 0 {
		s.MaxRetryDelay = d.MaxRetryDelay
	}
	return s
}

// Config describes how to construct a Worker.
type Config struct {
	Name     string
	Runtime  *engine.RuntimeData
	Registry api.Registry
	Throttle *Throttle
	Pool     Pool
	Observer api.Observer
	Logger   *slog.Logger
	Settings Settings
}

// Worker claims ready steps one at a time, runs their implementation and
// persists the resulting transition.
type Worker struct {
	name      string
	rt        *engine.RuntimeData
	persister persistence.Persister
	registry  api.Registry
	throttle  *Throttle
	pool      Pool
	observer  api.Observer
	logger    *slog.Logger
	settings  Settings
}

func New(cfg Config) *Worker {
	w := &Worker{
		name:      cfg.Name,
		rt:        cfg.Runtime,
		persister: cfg.Runtime.Persister(),
		registry:  cfg.Registry,
		throttle:  cfg.Throttle,
		pool:      cfg.Pool,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		settings:  cfg.Settings.withDefaults(),
	}
	if w.throttle == nil {
		w.throttle = NewThrottle()
	}
	if w.pool == nil {
		w.pool = fixedPool{}
	}
	if w.observer == nil {
		w.observer = api.NoopObserver{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("worker", w.name)
	return w
}

func (w *Worker) Name() string { return w.name }

// fixedPool never adds workers and lets none die.
type fixedPool struct{}

func (fixedPool) TryAddWorker() bool { return false }
func (fixedPool) MayWorkerDie() bool { return false }

// Run loops until ctx is done or the pool lets the worker die. It reports
// whether the worker exited with the pool's permission.
func (w *Worker) Run(ctx context.Context) (released bool) {
	for {
		if ctx.Err() != nil {
			return false
		}
		if err := w.throttle.Wait(ctx); err != nil {
			return false
		}

		switch w.RunOnce(ctx) {
		case OutcomeStop:
			return false
		case OutcomeContinue:
			w.pool.TryAddWorker()
		case OutcomeNoWorkDone:
			if w.pool.MayWorkerDie() {
				return true
			}
			w.throttle.Extend(w.settings.IdleDelay)
		case OutcomeError:
			if !sleep(ctx, w.settings.TransientErrorDelay) {
				return false
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RunOnce claims and handles at most one ready step.
func (w *Worker) RunOnce(ctx context.Context) Outcome {
	tx, err := w.persister.Begin(ctx)
	if err != nil {
		return w.storeFailure(ctx, "begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	txCtx := persistence.WithTx(ctx, tx)

	now := w.rt.Now()
	step, err := w.persister.GetAndLockReadyStep(txCtx, tx, now)
	if err != nil {
		return w.storeFailure(ctx, "claim step", err)
	}
	if step == nil {
		return OutcomeNoWorkDone
	}

	impl, ok := w.registry.Lookup(step.Name)
	if !ok {
		step.ScheduleTime = api.TruncateTime(now.Add(w.settings.MissingHandlerDelay))
		step.Description = fmt.Sprintf("no implementation registered for step %q; retrying at %s",
			step.Name, step.ScheduleTime.Format(time.RFC3339))
		if _, err := w.persister.Update(txCtx, tx, api.QueueReady, step); err != nil {
			return w.storeFailure(ctx, "reschedule step", err)
		}
		if err := persistence.Commit(txCtx); err != nil {
			return w.storeFailure(ctx, "commit", err)
		}
		committed = true
		w.logger.Warn("missing step implementation",
			"step_id", step.ID, "step_name", step.Name, "retry_at", step.ScheduleTime)
		return OutcomeContinue
	}

	result, elapsed, execErr := w.execute(txCtx, step, impl)

	if err := w.persistTransition(txCtx, tx, step, result); err != nil {
		return w.storeFailure(ctx, "persist transition", err)
	}
	if err := persistence.Commit(txCtx); err != nil {
		return w.storeFailure(ctx, "commit", err)
	}
	committed = true

	w.observer.OnStepCompleted(ctx, step, result.Status, execErr, elapsed)
	return OutcomeContinue
}

func (w *Worker) storeFailure(ctx context.Context, op string, err error) Outcome {
	if ctx.Err() != nil {
		return OutcomeStop
	}
	w.logger.Error("store failure", "op", op, "error", err)
	return OutcomeError
}

// execute runs impl on step and maps whatever it did to a valid result.
// step is updated with the execution bookkeeping.
func (w *Worker) execute(ctx context.Context, step *api.Step, impl api.Implementation) (api.ExecutionResult, time.Duration, error) {
	start := w.rt.Now()
	step.ExecutionCount++
	step.ExecutionStartTime = start.UTC()
	step.ExecutedBy = w.name

	execCtx := api.WithFormatter(ctx, w.rt.Formatter())
	execCtx = api.WithRuntime(execCtx, w.rt)
	execCtx = engine.WithExecutingStep(execCtx, step)

	w.observer.OnStepStart(ctx, step)
	result, err := safeExecute(execCtx, impl, step.Clone())
	elapsed := w.rt.Now().Sub(start)
	step.ExecutionDurationMillis = elapsed.Milliseconds()

	if err != nil {
		fe, ok := api.AsFailNow(err)
		if !ok {
			return w.retryResult(step, err), elapsed, err
		}
		result = api.Failed(fe.Description).WithNewSteps(fe.NewSteps...)
	}

	if cerr := w.checkResult(step, &result); cerr != nil {
		return w.retryResult(step, cerr), elapsed, cerr
	}
	return result, elapsed, err
}

// retryResult reschedules step with backoff and leaves its state alone.
func (w *Worker) retryResult(step *api.Step, err error) api.ExecutionResult {
	delay := RetryDelay(step.ExecutionCount, w.settings.MaxRetryDelay)
	at := w.rt.Now().Add(delay)
	w.logger.Warn("step returned error",
		"step_id", step.ID, "step_name", step.Name, "flow_id", step.FlowID,
		"attempt", step.ExecutionCount, "retry_at", api.TruncateTime(at), "error", err)
	return api.RerunAt(at).WithDescription(err.Error())
}

// checkResult validates r, serializes its NewState and prepares its
// NewSteps as children of step, all in place, so the transition itself can
// only fail on the store.
func (w *Worker) checkResult(step *api.Step, r *api.ExecutionResult) error {
	if err := r.Validate(); err != nil {
		return err
	}

	f := w.rt.Formatter()
	if r.StateFormat != "" && r.StateFormat != f.Name() {
		return fmt.Errorf("%w: result has %q, active is %q", api.ErrStateFormatMismatch, r.StateFormat, f.Name())
	}

	if r.NewState != nil {
		state, err := f.Serialize(r.NewState)
		if err != nil {
			return fmt.Errorf("serialize new state: %w", err)
		}
		r.NewState = serializedState(state)
	}

	if len(r.NewSteps) > 0 {
		rows, err := w.rt.PrepareSteps(step, r.NewSteps)
		if err != nil {
			return fmt.Errorf("new steps: %w", err)
		}
		r.NewSteps = rows
	}
	return nil
}

// serializedState marks a NewState that checkResult already serialized.
type serializedState string

// safeExecute runs impl and turns a panic into an error.
func safeExecute(ctx context.Context, impl api.Implementation, step *api.Step) (result api.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %q panicked: %v\n%s", step.Name, r, debug.Stack())
		}
	}()
	return impl.Execute(ctx, step)
}

var errStepVanished = errors.New("claimed step no longer in ready queue")

// persistTransition moves step according to result and inserts the new
// steps, all inside tx.
func (w *Worker) persistTransition(ctx context.Context, tx persistence.Tx, step *api.Step, result api.ExecutionResult) error {
	step.Description = result.Description

	switch result.Status {
	case api.StatusReady:
		step.ScheduleTime = api.TruncateTime(result.ScheduleAt(w.rt.Now()))
		if state, ok := result.NewState.(serializedState); ok {
			step.State = string(state)
			step.StateFormat = w.rt.Formatter().Name()
		}
		n, err := w.persister.Update(ctx, tx, api.QueueReady, step)
		if err != nil {
			return err
		}
		if n == 0 {
			return errStepVanished
		}

	case api.StatusDone, api.StatusFailed:
		n, err := w.persister.Delete(ctx, tx, api.QueueReady, step.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			return errStepVanished
		}
		if _, err := w.persister.Insert(ctx, tx, result.Status.Queue(), step); err != nil {
			return err
		}
	}

	if _, err := w.rt.InsertPrepared(ctx, result.NewSteps); err != nil {
		return fmt.Errorf("insert new steps: %w", err)
	}
	return nil
}
