package api

import (
	"errors"
	"fmt"
	"time"
)

// Status is the transition an implementation asks for.
type Status int

const (
	// StatusReady reruns the step: it stays in the ready queue and is
	// rescheduled.
	StatusReady Status = iota + 1
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Queue returns the queue a step moves to for this status.
func (s Status) Queue() Queue {
	switch s {
	case StatusDone:
		return QueueDone
	case StatusFailed:
		return QueueFailed
	default:
		return QueueReady
	}
}

// ExecutionResult is returned by an Implementation and drives the step's
// next transition.
//
// Use the constructors (Done, Failed, Rerun, RerunAt) rather than struct
// literals; Validate rejects combinations that only make sense for reruns.
type ExecutionResult struct {
	Status Status

	// NewState replaces the step's persisted state. Only valid with
	// StatusReady; nil leaves State unchanged.
	NewState any

	// ScheduleTime is when a rerun becomes eligible again. Only valid with
	// StatusReady; zero means now, plus Delay.
	ScheduleTime time.Time

	// Delay postpones a rerun relative to the engine clock at the time the
	// transition is stored. Ignored when ScheduleTime is set.
	Delay time.Duration

	// NewSteps are inserted into the ready queue in the same transaction.
	NewSteps []*Step

	Description string

	// StateFormat overrides the format recorded for NewState. It must
	// match the active formatter.
	StateFormat string
}

// Done completes the step.
func Done() ExecutionResult {
	return ExecutionResult{Status: StatusDone}
}

// Failed moves the step to the failed queue.
func Failed(description string) ExecutionResult {
	return ExecutionResult{Status: StatusFailed, Description: description}
}

// Rerun keeps the step ready and makes it eligible immediately.
func Rerun() ExecutionResult {
	return ExecutionResult{Status: StatusReady}
}

// RerunAt keeps the step ready and makes it eligible at t.
func RerunAt(t time.Time) ExecutionResult {
	return ExecutionResult{Status: StatusReady, ScheduleTime: t}
}

// RerunAfter keeps the step ready and makes it eligible d after the
// transition is stored.
func RerunAfter(d time.Duration) ExecutionResult {
	return ExecutionResult{Status: StatusReady, Delay: d}
}

// WithState sets NewState.
func (r ExecutionResult) WithState(state any) ExecutionResult {
	r.NewState = state
	return r
}

// WithDescription sets Description.
func (r ExecutionResult) WithDescription(description string) ExecutionResult {
	r.Description = description
	return r
}

// WithNewSteps appends steps to NewSteps.
func (r ExecutionResult) WithNewSteps(steps ...*Step) ExecutionResult {
	r.NewSteps = append(r.NewSteps, steps...)
	return r
}

// WithStateFormat sets the StateFormat override.
func (r ExecutionResult) WithStateFormat(format string) ExecutionResult {
	r.StateFormat = format
	return r
}

// Validate checks the result is a legal transition.
func (r ExecutionResult) Validate() error {
	switch r.Status {
	case StatusReady, StatusDone, StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %v", ErrInvalidResult, r.Status)
	}
	if r.Status != StatusReady {
		if !r.ScheduleTime.IsZero() || r.Delay != 0 {
			return fmt.Errorf("%w: schedule time can only be set on a rerun, got %v", ErrInvalidResult, r.Status)
		}
		if r.NewState != nil {
			return fmt.Errorf("%w: new state can only be set on a rerun, got %v", ErrInvalidResult, r.Status)
		}
	}
	for i, s := range r.NewSteps {
		if s == nil {
			return fmt.Errorf("%w: new step %d is nil", ErrInvalidResult, i)
		}
	}
	return nil
}

// ScheduleAt returns when a rerun becomes eligible, given the engine's
// current time.
func (r ExecutionResult) ScheduleAt(now time.Time) time.Time {
	if !r.ScheduleTime.IsZero() {
		return r.ScheduleTime
	}
	return now.Add(r.Delay)
}

// FailNowError is returned by an Implementation to move its step straight
// to the failed queue, bypassing retries.
type FailNowError struct {
	Description string
	NewSteps    []*Step
}

func (e *FailNowError) Error() string {
	if e.Description == "" {
		return "step failed"
	}
	return "step failed: " + e.Description
}

// FailNow builds a FailNowError. newSteps are still inserted.
func FailNow(description string, newSteps ...*Step) error {
	return &FailNowError{Description: description, NewSteps: newSteps}
}

// AsFailNow reports whether err carries a FailNowError.
func AsFailNow(err error) (*FailNowError, bool) {
	var fe *FailNowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
