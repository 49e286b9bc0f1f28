// Package schedule seeds recurring steps from cron expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/petrijr/stepflow/pkg/api"
)

// Entry is one recurring step.
type Entry struct {
	// Name is the step name to add.
	Name string
	// Cron is a standard five field expression or a descriptor such as
	// "@hourly".
	Cron string
	// SearchKey, when set, keeps at most one such step in the ready queue.
	// When empty every tick gets its own key, "<name>@<tick>", so engines
	// sharing a store add each tick once.
	SearchKey string
	// State is the step's initial state.
	State any
}

// Adder is the part of the runtime the scheduler needs.
type Adder interface {
	AddStepIfNotExists(ctx context.Context, step *api.Step, criteria api.SearchModel) (int64, error)
}

// Recurring fires Entries on their schedules and adds a step per tick
// unless a matching one is already waiting.
type Recurring struct {
	cron   *rcron.Cron
	rt     Adder
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	ctx context.Context
}

// New returns a scheduler adding steps through rt. Nothing fires before
// Start.
func New(rt Adder, logger *slog.Logger) *Recurring {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "schedule")
	return &Recurring{
		cron: rcron.New(
			rcron.WithLocation(time.UTC),
			rcron.WithLogger(cronLogger{logger}),
		),
		rt:     rt,
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
	}
}

// Add registers e. It fails on an empty name or an unparsable expression.
func (r *Recurring) Add(e Entry) error {
	if e.Name == "" {
		return api.ErrStepNameRequired
	}
	if _, err := rcron.ParseStandard(e.Cron); err != nil {
		return fmt.Errorf("recurring step %q: %w", e.Name, err)
	}
	_, err := r.cron.AddFunc(e.Cron, func() {
		r.mu.Lock()
		ctx := r.ctx
		r.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Seed(ctx, e, r.now()); err != nil {
			r.logger.Error("recurring step not added", "step_name", e.Name, "error", err)
		}
	})
	return err
}

// Seed adds the step for e's tick at the given time. It returns 0 when an
// equivalent step is already waiting.
func (r *Recurring) Seed(ctx context.Context, e Entry, tick time.Time) (int64, error) {
	key := e.SearchKey
	if key == "" {
		key = e.Name + "@" + tick.UTC().Truncate(time.Minute).Format(time.RFC3339)
	}
	id, err := r.rt.AddStepIfNotExists(ctx,
		&api.Step{Name: e.Name, SearchKey: key, InitialState: e.State},
		api.SearchModel{Name: e.Name, SearchKey: key},
	)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		r.logger.Info("recurring step added", "step_id", id, "step_name", e.Name, "search_key", key)
	}
	return id, nil
}

// Len returns the number of registered entries.
func (r *Recurring) Len() int { return len(r.cron.Entries()) }

// Start begins firing entries. Ticks use ctx for their store calls.
func (r *Recurring) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	r.cron.Start()
}

// Stop halts the schedule and waits for running ticks to finish.
func (r *Recurring) Stop() {
	<-r.cron.Stop().Done()
}

// cronLogger routes robfig/cron's logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
