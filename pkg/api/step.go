package api

import (
	"fmt"
	"time"
)

// Queue identifies one of the three logical step queues.
type Queue int

const (
	QueueReady Queue = iota + 1
	QueueDone
	QueueFailed
)

func (q Queue) String() string {
	switch q {
	case QueueReady:
		return "ready"
	case QueueDone:
		return "done"
	case QueueFailed:
		return "failed"
	default:
		return fmt.Sprintf("queue(%d)", int(q))
	}
}

// ParseQueue maps "ready", "done" or "failed" to a Queue.
func ParseQueue(s string) (Queue, error) {
	switch s {
	case "ready":
		return QueueReady, nil
	case "done":
		return QueueDone, nil
	case "failed":
		return QueueFailed, nil
	}
	return 0, fmt.Errorf("unknown queue %q", s)
}

// Queues lists all queues in their canonical order.
var Queues = []Queue{QueueReady, QueueDone, QueueFailed}

// Step is the persisted unit of work.
//
// A step lives in exactly one queue at a time. It is created by a caller
// (through the runtime) or by another step via ExecutionResult.NewSteps,
// and is only mutated by the worker that currently holds its row lock.
type Step struct {
	// ID is assigned by the store on insert into the ready queue. Done and
	// failed rows keep the ID of the ready row they came from.
	ID int64

	// Name selects the implementation that executes the step.
	Name string

	// Singleton steps are unique by Name among ready rows. The store
	// enforces this with a uniqueness constraint.
	Singleton bool

	FlowID          string
	CorrelationID   string
	CreatedByStepID int64
	CreatedTime     time.Time

	// ScheduleTime is the earliest instant the step may be claimed.
	// It is always truncated to whole seconds on write.
	ScheduleTime time.Time

	// ExecutionCount is incremented each time the step is executed.
	ExecutionCount int

	// InitialState is serialized into State by the active formatter when
	// the step is first persisted. It is never read back.
	InitialState any

	State       string
	StateFormat string

	ExecutionStartTime      time.Time
	ExecutionDurationMillis int64
	ExecutedBy              string

	Description    string
	SearchKey      string
	ActivationArgs string
}

// Clone returns a shallow copy of s. InitialState is shared.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// TruncateTime returns t truncated to whole seconds in UTC. Every
// persisted ScheduleTime passes through it.
func TruncateTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// FetchLevels selects the queues a search looks at.
type FetchLevels struct {
	Ready  bool
	Done   bool
	Failed bool
}

var (
	FetchReady    = FetchLevels{Ready: true}
	FetchDone     = FetchLevels{Done: true}
	FetchFailed   = FetchLevels{Failed: true}
	FetchTerminal = FetchLevels{Done: true, Failed: true}
	FetchAll      = FetchLevels{Ready: true, Done: true, Failed: true}
)

// FetchQueue returns the FetchLevels selecting only q.
func FetchQueue(q Queue) FetchLevels {
	return FetchLevels{Ready: q == QueueReady, Done: q == QueueDone, Failed: q == QueueFailed}
}

// Includes reports whether q is selected.
func (f FetchLevels) Includes(q Queue) bool {
	switch q {
	case QueueReady:
		return f.Ready
	case QueueDone:
		return f.Done
	case QueueFailed:
		return f.Failed
	}
	return false
}

// Queues returns the selected queues in canonical order.
func (f FetchLevels) Queues() []Queue {
	var out []Queue
	for _, q := range Queues {
		if f.Includes(q) {
			out = append(out, q)
		}
	}
	return out
}

// IsZero reports whether no queue is selected.
func (f FetchLevels) IsZero() bool {
	return !f.Ready && !f.Done && !f.Failed
}

// SearchModel filters steps. Zero-valued fields are not filtered on and
// set fields are ANDed together.
type SearchModel struct {
	ID              int64
	Name            string
	FlowID          string
	CorrelationID   string
	SearchKey       string
	CreatedByStepID int64

	// ScheduledBefore keeps steps with ScheduleTime <= the given time.
	ScheduledBefore time.Time

	// Limit caps the number of rows returned per queue. Zero means no cap.
	Limit int
}

// Matches reports whether s satisfies every set field of m.
func (m SearchModel) Matches(s *Step) bool {
	if m.ID != 0 && s.ID != m.ID {
		return false
	}
	if m.Name != "" && s.Name != m.Name {
		return false
	}
	if m.FlowID != "" && s.FlowID != m.FlowID {
		return false
	}
	if m.CorrelationID != "" && s.CorrelationID != m.CorrelationID {
		return false
	}
	if m.SearchKey != "" && s.SearchKey != m.SearchKey {
		return false
	}
	if m.CreatedByStepID != 0 && s.CreatedByStepID != m.CreatedByStepID {
		return false
	}
	if !m.ScheduledBefore.IsZero() && s.ScheduleTime.After(m.ScheduledBefore) {
		return false
	}
	return true
}

// SearchResult groups found steps by queue.
type SearchResult map[Queue][]*Step

// All flattens the result in canonical queue order.
func (r SearchResult) All() []*Step {
	var out []*Step
	for _, q := range Queues {
		out = append(out, r[q]...)
	}
	return out
}

// Count returns the total number of steps across queues.
func (r SearchResult) Count() int {
	n := 0
	for _, steps := range r {
		n += len(steps)
	}
	return n
}
