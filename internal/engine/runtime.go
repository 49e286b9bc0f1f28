// Package engine holds the runtime API over the step store: adding,
// searching, activating, failing and re-executing steps.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// failBatchSize bounds the rows FailSteps moves per search round.
const failBatchSize = 100

// Nudger is told when new ready work may be available.
type Nudger interface {
	Nudge()
}

// NudgerFunc adapts a function to Nudger.
type NudgerFunc func()

func (f NudgerFunc) Nudge() { f() }

type noopNudger struct{}

func (noopNudger) Nudge() {}

// Config describes how to construct a RuntimeData.
type Config struct {
	Persister persistence.Persister
	Formatter api.Formatter
	Nudger    Nudger
	Logger    *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// RuntimeData is the mutation and query API over the step store.
//
// Every operation runs in the ambient transaction of its ctx when there is
// one (see persistence.WithTx), and in a transaction of its own otherwise.
type RuntimeData struct {
	persister persistence.Persister
	formatter api.Formatter
	nudger    Nudger
	logger    *slog.Logger
	now       func() time.Time
}

// Ensure RuntimeData can be handed to step implementations.
var _ api.Runtime = (*RuntimeData)(nil)

func NewRuntimeData(cfg Config) *RuntimeData {
	rt := &RuntimeData{
		persister: cfg.Persister,
		formatter: cfg.Formatter,
		nudger:    cfg.Nudger,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if rt.nudger == nil {
		rt.nudger = noopNudger{}
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	if rt.now == nil {
		rt.now = time.Now
	}
	return rt
}

func (r *RuntimeData) Persister() persistence.Persister { return r.persister }

func (r *RuntimeData) Formatter() api.Formatter { return r.formatter }

// Now returns the runtime clock's current time.
func (r *RuntimeData) Now() time.Time { return r.now() }

// SetNudger replaces the nudger. It must be called before the runtime is
// shared with workers.
func (r *RuntimeData) SetNudger(n Nudger) {
	if n == nil {
		n = noopNudger{}
	}
	r.nudger = n
}

// AddStep inserts step into the ready queue and returns its ID. When ctx
// comes from a step execution the new step inherits that step's lineage.
func (r *RuntimeData) AddStep(ctx context.Context, step *api.Step) (int64, error) {
	ids, err := r.AddSteps(ctx, step)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AddSteps inserts steps into the ready queue in one transaction and
// returns their IDs in order.
func (r *RuntimeData) AddSteps(ctx context.Context, steps ...*api.Step) ([]int64, error) {
	parent, _ := ExecutingStep(ctx)
	return r.AddChildSteps(ctx, parent, steps...)
}

// AddChildSteps inserts steps created by parent (nil for root steps).
func (r *RuntimeData) AddChildSteps(ctx context.Context, parent *api.Step, steps ...*api.Step) ([]int64, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	rows, err := r.PrepareSteps(parent, steps)
	if err != nil {
		return nil, err
	}
	return r.InsertPrepared(ctx, rows)
}

// PrepareSteps clones steps and fixes them up for insertion as children of
// parent (nil for root steps), serializing their InitialState.
func (r *RuntimeData) PrepareSteps(parent *api.Step, steps []*api.Step) ([]*api.Step, error) {
	now := r.now()
	rows := make([]*api.Step, len(steps))
	for i, s := range steps {
		if s == nil {
			return nil, fmt.Errorf("step %d is nil", i)
		}
		row := s.Clone()
		row.ID = 0
		if err := FixupNewStep(parent, row, now); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if err := encodeState(r.formatter, row); err != nil {
			return nil, err
		}
		rows[i] = row
	}
	return rows, nil
}

// InsertPrepared inserts rows returned by PrepareSteps into the ready
// queue. Workers are nudged once the enclosing transaction commits.
func (r *RuntimeData) InsertPrepared(ctx context.Context, rows []*api.Step) ([]int64, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	var ids []int64
	err := persistence.InTransaction(ctx, r.persister, func(ctx context.Context, tx persistence.Tx) error {
		var err error
		ids, err = r.persister.Insert(ctx, tx, api.QueueReady, rows...)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("steps added", "count", len(ids), "flow_id", rows[0].FlowID)
	persistence.AfterCommit(ctx, r.nudger.Nudge)
	return ids, nil
}

// AddStepIfNotExists adds step unless a ready step matches criteria. It
// returns 0 when a match exists.
func (r *RuntimeData) AddStepIfNotExists(ctx context.Context, step *api.Step, criteria api.SearchModel) (int64, error) {
	var id int64
	err := persistence.InTransaction(ctx, r.persister, func(ctx context.Context, tx persistence.Tx) error {
		criteria.Limit = 1
		found, err := r.persister.Search(ctx, tx, criteria, api.FetchReady)
		if err != nil {
			return err
		}
		if found.Count() > 0 {
			return nil
		}
		id, err = r.AddStep(ctx, step)
		return err
	})
	return id, err
}

// AddStepsBulk seeds many root steps without reporting their IDs. It
// cannot join an ambient transaction.
func (r *RuntimeData) AddStepsBulk(ctx context.Context, steps []*api.Step) error {
	if _, ok := persistence.TxFromContext(ctx); ok {
		return api.ErrBulkInTransaction
	}
	if len(steps) == 0 {
		return nil
	}

	rows, err := r.PrepareSteps(nil, steps)
	if err != nil {
		return err
	}
	if err := r.persister.InsertBulk(ctx, api.QueueReady, rows); err != nil {
		return err
	}

	r.logger.Debug("steps bulk added", "count", len(rows))
	r.nudger.Nudge()
	return nil
}

// SearchSteps returns steps matching criteria from the queues in levels.
// A zero levels searches every queue.
func (r *RuntimeData) SearchSteps(ctx context.Context, criteria api.SearchModel, levels api.FetchLevels) (api.SearchResult, error) {
	if levels.IsZero() {
		levels = api.FetchAll
	}
	tx, _ := persistence.TxFromContext(ctx)
	return r.persister.Search(ctx, tx, criteria, levels)
}

// ActivateStep makes the ready step id eligible now and attaches args,
// serialized with the active formatter. It returns the rows affected.
func (r *RuntimeData) ActivateStep(ctx context.Context, id int64, args any) (int64, error) {
	var encoded string
	if args != nil {
		var err error
		if encoded, err = r.formatter.Serialize(args); err != nil {
			return 0, fmt.Errorf("serialize activation args: %w", err)
		}
	}

	var rows int64
	err := persistence.InTransaction(ctx, r.persister, func(ctx context.Context, tx persistence.Tx) error {
		found, err := r.persister.Search(ctx, tx, api.SearchModel{ID: id}, api.FetchReady)
		if err != nil {
			return err
		}
		if len(found[api.QueueReady]) == 0 {
			return nil
		}

		step := found[api.QueueReady][0]
		step.ScheduleTime = api.TruncateTime(r.now())
		step.ActivationArgs = encoded
		rows, err = r.persister.Update(ctx, tx, api.QueueReady, step)
		return err
	})
	if err != nil {
		return 0, err
	}

	if rows > 0 {
		r.logger.Debug("step activated", "step_id", id)
		persistence.AfterCommit(ctx, r.nudger.Nudge)
	}
	return rows, nil
}

// ReExecuteSteps clones matching done or failed steps into new ready steps
// and returns their IDs. The originals are left untouched. A zero levels
// targets both terminal queues; levels including ready are rejected.
func (r *RuntimeData) ReExecuteSteps(ctx context.Context, criteria api.SearchModel, levels api.FetchLevels) ([]int64, error) {
	if levels.Ready {
		return nil, api.ErrReExecuteReady
	}
	if levels.IsZero() {
		levels = api.FetchTerminal
	}

	var ids []int64
	err := persistence.InTransaction(ctx, r.persister, func(ctx context.Context, tx persistence.Tx) error {
		found, err := r.persister.Search(ctx, tx, criteria, levels)
		if err != nil {
			return err
		}

		for _, orig := range found.All() {
			clone := &api.Step{
				Name:           orig.Name,
				State:          orig.State,
				StateFormat:    orig.StateFormat,
				FlowID:         orig.FlowID,
				CorrelationID:  orig.CorrelationID,
				Singleton:      orig.Singleton,
				SearchKey:      orig.SearchKey,
				ActivationArgs: orig.ActivationArgs,
			}
			newIDs, err := r.AddChildSteps(ctx, orig, clone)
			if err != nil {
				return fmt.Errorf("re-execute step %d: %w", orig.ID, err)
			}
			ids = append(ids, newIDs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// FailSteps moves matching ready steps to the failed queue without running
// them and returns how many moved. It repeats until nothing matches, so
// steps inserted meanwhile are failed too.
func (r *RuntimeData) FailSteps(ctx context.Context, criteria api.SearchModel) (int, error) {
	total := 0
	for {
		moved, err := r.failBatch(ctx, criteria)
		if err != nil {
			return total, err
		}
		if moved < 0 {
			return total, nil
		}
		total += moved
	}
}

// failBatch moves one batch and returns -1 when nothing matched.
func (r *RuntimeData) failBatch(ctx context.Context, criteria api.SearchModel) (int, error) {
	moved := -1
	err := persistence.InTransaction(ctx, r.persister, func(ctx context.Context, tx persistence.Tx) error {
		criteria.Limit = failBatchSize
		found, err := r.persister.Search(ctx, tx, criteria, api.FetchReady)
		if err != nil {
			return err
		}
		if len(found[api.QueueReady]) == 0 {
			return nil
		}

		moved = 0
		for _, step := range found[api.QueueReady] {
			n, err := r.persister.Delete(ctx, tx, api.QueueReady, step.ID)
			if err != nil {
				return err
			}
			if n == 0 {
				// Finished by a worker in the meantime.
				continue
			}
			if step.Description == "" {
				step.Description = "failed by request"
			}
			if _, err := r.persister.Insert(ctx, tx, api.QueueFailed, step); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		r.logger.Debug("steps failed by request", "count", moved)
	}
	return moved, nil
}

// CountSteps counts steps per queue, restricted to flowID when it is not
// empty.
func (r *RuntimeData) CountSteps(ctx context.Context, flowID string) (map[api.Queue]int, error) {
	return r.persister.CountTables(ctx, flowID)
}

// InTransaction runs fn in one transaction; runtime calls made with the
// ctx passed to fn join it.
func (r *RuntimeData) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return persistence.InTransaction(ctx, r.persister, func(ctx context.Context, _ persistence.Tx) error {
		return fn(ctx)
	})
}
