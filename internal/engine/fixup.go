package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepflow/pkg/api"
)

type parentCtxKey struct{}

// WithExecutingStep marks step as the step being executed in ctx. Steps
// added with ctx inherit their lineage from it.
func WithExecutingStep(ctx context.Context, step *api.Step) context.Context {
	return context.WithValue(ctx, parentCtxKey{}, step)
}

// ExecutingStep returns the step marked by WithExecutingStep.
func ExecutingStep(ctx context.Context) (*api.Step, bool) {
	s, ok := ctx.Value(parentCtxKey{}).(*api.Step)
	return s, ok && s != nil
}

// FixupNewStep fills the defaults of a step about to be inserted into the
// ready queue. parent is the step that created it, or nil for root steps.
// Values the caller set explicitly are kept.
func FixupNewStep(parent, step *api.Step, now time.Time) error {
	if step.Name == "" {
		return api.ErrStepNameRequired
	}

	step.CreatedTime = api.TruncateTime(now)
	if parent != nil {
		if step.CreatedByStepID == 0 {
			step.CreatedByStepID = parent.ID
		}
		if step.FlowID == "" {
			step.FlowID = parent.FlowID
		}
		if step.CorrelationID == "" {
			step.CorrelationID = parent.CorrelationID
		}
	}
	if step.FlowID == "" {
		step.FlowID = uuid.NewString()
	}

	if step.ScheduleTime.IsZero() {
		step.ScheduleTime = now
	}
	step.ScheduleTime = api.TruncateTime(step.ScheduleTime)
	return nil
}

// encodeState serializes InitialState into State with f, and checks that a
// preset StateFormat matches f.
func encodeState(f api.Formatter, step *api.Step) error {
	if step.StateFormat != "" && step.StateFormat != f.Name() {
		return fmt.Errorf("%w: step %q has %q, active is %q",
			api.ErrStateFormatMismatch, step.Name, step.StateFormat, f.Name())
	}

	if step.InitialState != nil {
		state, err := f.Serialize(step.InitialState)
		if err != nil {
			return fmt.Errorf("serialize state of step %q: %w", step.Name, err)
		}
		step.State = state
		step.InitialState = nil
	}
	step.StateFormat = f.Name()
	return nil
}
