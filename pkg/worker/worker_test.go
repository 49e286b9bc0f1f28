package worker

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/formatter"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type persisterFactory func(t testing.TB) persistence.Persister

func memoryStore(t testing.TB) persistence.Persister {
	t.Helper()
	return persistence.NewMemoryPersister()
}

func sqliteStore(t testing.TB) persistence.Persister {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	p, err := persistence.NewSQLitePersister(db)
	if err != nil {
		t.Fatalf("NewSQLitePersister failed: %v", err)
	}
	return p
}

var stores = map[string]persisterFactory{
	"in-memory": memoryStore,
	"sqlite":    sqliteStore,
}

type harness struct {
	rt    *engine.RuntimeData
	reg   *api.MapRegistry
	clock *fakeClock
	w     *Worker
}

func newHarness(t *testing.T, store persisterFactory) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
	rt := engine.NewRuntimeData(engine.Config{
		Persister: store(t),
		Formatter: formatter.JSON{},
		Now:       clock.Now,
	})
	reg := api.NewMapRegistry()
	w := New(Config{Name: "test-worker", Runtime: rt, Registry: reg})
	return &harness{rt: rt, reg: reg, clock: clock, w: w}
}

func (h *harness) add(t *testing.T, s *api.Step) int64 {
	t.Helper()
	id, err := h.rt.AddStep(context.Background(), s)
	require.NoError(t, err)
	return id
}

func (h *harness) find(t *testing.T, id int64) (*api.Step, api.Queue) {
	t.Helper()
	res, err := h.rt.SearchSteps(context.Background(), api.SearchModel{ID: id}, api.FetchAll)
	require.NoError(t, err)
	for q, steps := range res {
		if len(steps) > 0 {
			return steps[0], q
		}
	}
	t.Fatalf("step %d not found", id)
	return nil, 0
}

func forEachStore(t *testing.T, fn func(t *testing.T, h *harness)) {
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, newHarness(t, store))
		})
	}
}

func TestWorker_NoWork(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		require.Equal(t, OutcomeNoWorkDone, h.w.RunOnce(context.Background()))

		h.add(t, &api.Step{Name: "later", ScheduleTime: h.clock.Now().Add(time.Minute)})
		require.Equal(t, OutcomeNoWorkDone, h.w.RunOnce(context.Background()))
	})
}

func TestWorker_DoneMovesStepWithSameID(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.reg.MustRegister("ok", api.ImplementationFunc(func(ctx context.Context, s *api.Step) (api.ExecutionResult, error) {
			return api.Done().WithDescription("all good"), nil
		}))
		id := h.add(t, &api.Step{Name: "ok", InitialState: 1})

		require.Equal(t, OutcomeContinue, h.w.RunOnce(context.Background()))

		s, q := h.find(t, id)
		require.Equal(t, api.QueueDone, q)
		require.Equal(t, 1, s.ExecutionCount)
		require.Equal(t, "test-worker", s.ExecutedBy)
		require.Equal(t, "all good", s.Description)
		require.Equal(t, "1", s.State)
		require.False(t, s.ExecutionStartTime.IsZero())
	})
}

func TestWorker_FailNowMovesToFailedAndKeepsNewSteps(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.reg.MustRegister("doomed", api.ImplementationFunc(func(ctx context.Context, s *api.Step) (api.ExecutionResult, error) {
			return api.ExecutionResult{}, api.FailNow("card declined", &api.Step{Name: "notify"})
		}))
		id := h.add(t, &api.Step{Name: "doomed", CorrelationID: "order-7"})

		require.Equal(t, OutcomeContinue, h.w.RunOnce(context.Background()))

		s, q := h.find(t, id)
		require.Equal(t, api.QueueFailed, q)
		require.Equal(t, "card declined", s.Description)

		res, err := h.rt.SearchSteps(context.Background(), api.SearchModel{Name: "notify"}, api.FetchReady)
		require.NoError(t, err)
		require.Len(t, res[api.QueueReady], 1)
		child := res[api.QueueReady][0]
		require.Equal(t, id, child.CreatedByStepID)
		require.Equal(t, s.FlowID, child.FlowID)
		require.Equal(t, "order-7", child.CorrelationID)
	})
}

func TestWorker_ErrorReschedulesWithGrowingBackoff(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.reg.MustRegister("flaky", api.ImplementationFunc(func(ctx context.Context, s *api.Step) (api.ExecutionResult, error) {
			return api.ExecutionResult{}, errors.New("downstream unavailable")
		}))
		id := h.add(t, &api.Step{Name: "flaky", InitialState: map[string]int{"n": 1}})
		orig, _ := h.find(t, id)

		var delays []time.Duration
		for attempt := 1; attempt <= 3; attempt++ {
			now := h.clock.Now()
			require.Equal(t, OutcomeContinue, h.w.RunOnce(context.Background()))

			s, q := h.find(t, id)
			require.Equal(t, api.QueueReady, q)
			require.Equal(t, attempt, s.ExecutionCount)
			require.Equal(t, orig.State, s.State)
			require.Equal(t, "downstream unavailable", s.Description)
			require.True(t, s.ScheduleTime.After(now))

			delays = append(delays, s.ScheduleTime.Sub(now))
			h.clock.Advance(s.ScheduleTime.Sub(now))
		}
		require.Equal(t, []time.Duration{time.Second, 8 * time.Second, 27 * time.Second}, delays)
	})
}

func TestWorker_PanicIsRetried(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.reg.MustRegister("boom", api.ImplementationFunc(func(ctx context.Context, s *api.Step) (api.ExecutionResult, error) {
			panic("nil map")
		}))
		id := h.add(t, &api.Step{Name: "boom"})

		require.Equal(t, OutcomeContinue, h.w.RunOnce(context.Background()))

		s, q := h.find(t, id)
		require.Equal(t, api.QueueReady, q)
		require.True(t, strings.Contains(s.Description, "panicked"))
		require.WithinDuration(t, h.clock.Now().Add(time.Second), s.ScheduleTime, 0)
	})
}

func TestWorker_RerunUpdatesStateAndSchedule(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.reg.MustRegister("count", api.ImplementationFunc(func(ctx context.Context, s *api.Step) (api.ExecutionResult, error) {
			n, err := api.DecodeState[int](ctx, s)
			if err != nil {
				return api.ExecutionResult{}, err
			}
			if n >= 3 {
				return api.Done(), nil
			}
			return api.RerunAt(time.Time{}).WithState(n + 1), nil
		}))
		id := h.add(t, &api.Step{Name: "count", InitialState: 0})

		for i := 0; i < 3; i++ {
			require.Equal(t, OutcomeContinue, h.w.RunOnce(context.Background()))
			s, q := h.find(t, id)
			require.Equal(t, api.QueueReady, q)
			require.Equal(t, []string{"1", "2", "3"}[i], s.State)
		}
		require.Equal(t, OutcomeContinue, h.w.RunOnce(context.Background()))
		s, q := h.find(t, id)
		require.Equal(t, api.QueueDone, q)
		require.Equal(t, 4, s.ExecutionCount)
	})
}

func TestWorker_InvalidResultIsRetried(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.reg.MustRegister("bad", api.ImplementationFunc(func(ctx context.Context, s *api.Step) (api.ExecutionResult, error) {
			r := api.Done()
			r.ScheduleTime = time.Now()
			return r, nil
		}))
		id := h.add(t, &api.Step{Name: "bad"})

		require.Equal(t, OutcomeContinue, h.w.RunOnce(context.Background()))

		s, q := h.find(t, id)
		require.Equal(t, api.QueueReady, q)
		require.Contains(t, s.Description, "schedule time can only be set on a rerun")
	})
}

func TestWorker_UnserializableNewStepIsRetried(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.reg.MustRegister("parent", api.ImplementationFunc(func(ctx context.Context, s *api.Step) (api.ExecutionResult, error) {
			return api.Done().WithNewSteps(&api.Step{Name: "child", InitialState: make(chan int)}), nil
		}))
		id := h.add(t, &api.Step{Name: "parent"})

		for attempt := 1; attempt <= 2; attempt++ {
			now := h.clock.Now()
			require.Equal(t, OutcomeContinue, h.w.RunOnce(context.Background()))

			s, q := h.find(t, id)
			require.Equal(t, api.QueueReady, q)
			require.Equal(t, attempt, s.ExecutionCount)
			require.Contains(t, s.Description, "serialize state of step \"child\"")
			require.WithinDuration(t, now.Add(RetryDelay(attempt, DefaultMaxRetryDelay)), s.ScheduleTime, 0)

			require.Equal(t, OutcomeNoWorkDone, h.w.RunOnce(context.Background()))
			h.clock.Advance(s.ScheduleTime.Sub(now))
		}

		res, err := h.rt.SearchSteps(context.Background(), api.SearchModel{Name: "child"}, api.FetchAll)
		require.NoError(t, err)
		require.Zero(t, res.Count())
	})
}

func TestWorker_RerunAfterUsesRuntimeClock(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.reg.MustRegister("poll", api.ImplementationFunc(func(ctx context.Context, s *api.Step) (api.ExecutionResult, error) {
			return api.RerunAfter(10 * time.Minute), nil
		}))
		id := h.add(t, &api.Step{Name: "poll"})

		require.Equal(t, OutcomeContinue, h.w.RunOnce(context.Background()))

		s, q := h.find(t, id)
		require.Equal(t, api.QueueReady, q)
		require.WithinDuration(t, h.clock.Now().Add(10*time.Minute), s.ScheduleTime, 0)
	})
}

func TestWorker_MissingImplementation(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		id := h.add(t, &api.Step{Name: "unknown"})

		require.Equal(t, OutcomeContinue, h.w.RunOnce(context.Background()))

		s, q := h.find(t, id)
		require.Equal(t, api.QueueReady, q)
		require.Zero(t, s.ExecutionCount)
		require.WithinDuration(t, h.clock.Now().Add(time.Hour), s.ScheduleTime, 0)
		require.Contains(t, s.Description, "no implementation")

		require.Equal(t, OutcomeNoWorkDone, h.w.RunOnce(context.Background()))
	})
}

func TestWorker_RuntimeCallsJoinTransition(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.reg.MustRegister("parent", api.ImplementationFunc(func(ctx context.Context, s *api.Step) (api.ExecutionResult, error) {
			rt, ok := api.RuntimeFromContext(ctx)
			if !ok {
				return api.ExecutionResult{}, errors.New("no runtime")
			}
			if _, err := rt.AddStep(ctx, &api.Step{Name: "child"}); err != nil {
				return api.ExecutionResult{}, err
			}
			counts, err := rt.CountSteps(ctx, s.FlowID)
			if err != nil {
				return api.ExecutionResult{}, err
			}
			return api.Done().WithDescription(strings.Repeat("x", counts[api.QueueReady])), nil
		}))
		id := h.add(t, &api.Step{Name: "parent", FlowID: "flow-j"})

		require.Equal(t, OutcomeContinue, h.w.RunOnce(context.Background()))

		parent, q := h.find(t, id)
		require.Equal(t, api.QueueDone, q)
		// The parent still counted itself as ready, plus the child.
		require.Equal(t, "xx", parent.Description)

		res, err := h.rt.SearchSteps(context.Background(), api.SearchModel{FlowID: "flow-j", Name: "child"}, api.FetchReady)
		require.NoError(t, err)
		require.Len(t, res[api.QueueReady], 1)
		require.Equal(t, id, res[api.QueueReady][0].CreatedByStepID)
	})
}

func TestRetryDelay(t *testing.T) {
	require.Equal(t, time.Second, RetryDelay(0, 0))
	require.Equal(t, time.Second, RetryDelay(1, 0))
	require.Equal(t, 8*time.Second, RetryDelay(2, 0))
	require.Equal(t, 1000*time.Second, RetryDelay(10, 0))
	require.Equal(t, 2*time.Hour, RetryDelay(20, 0))
	require.Equal(t, 2*time.Hour, RetryDelay(1<<30, 0))
	require.Equal(t, time.Minute, RetryDelay(5, time.Minute))

	for n := 1; n < 30; n++ {
		require.LessOrEqual(t, RetryDelay(n, 0), RetryDelay(n+1, 0))
	}
}
