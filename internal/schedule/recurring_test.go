package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/formatter"
)

func newRuntime() *engine.RuntimeData {
	return engine.NewRuntimeData(engine.Config{
		Persister: persistence.NewMemoryPersister(),
		Formatter: formatter.JSON{},
	})
}

func TestRecurring_AddValidates(t *testing.T) {
	r := New(newRuntime(), nil)

	require.ErrorIs(t, r.Add(Entry{Cron: "@hourly"}), api.ErrStepNameRequired)
	require.Error(t, r.Add(Entry{Name: "x", Cron: "not a cron"}))
	require.NoError(t, r.Add(Entry{Name: "x", Cron: "*/5 * * * *"}))
	require.NoError(t, r.Add(Entry{Name: "y", Cron: "@daily"}))
	require.Equal(t, 2, r.Len())
}

func TestRecurring_SeedOncePerTick(t *testing.T) {
	rt := newRuntime()
	r := New(rt, nil)
	ctx := context.Background()
	e := Entry{Name: "report", Cron: "@hourly", State: map[string]string{"kind": "daily"}}
	tick := time.Date(2026, 10, 17, 9, 0, 12, 0, time.UTC)

	id, err := r.Seed(ctx, e, tick)
	require.NoError(t, err)
	require.NotZero(t, id)

	// A second engine firing the same tick adds nothing.
	again, err := New(rt, nil).Seed(ctx, e, tick.Add(20*time.Second))
	require.NoError(t, err)
	require.Zero(t, again)

	next, err := r.Seed(ctx, e, tick.Add(time.Hour))
	require.NoError(t, err)
	require.NotZero(t, next)

	res, err := rt.SearchSteps(ctx, api.SearchModel{Name: "report"}, api.FetchReady)
	require.NoError(t, err)
	require.Len(t, res[api.QueueReady], 2)
	require.Equal(t, "report@2026-10-17T09:00:00Z", res[api.QueueReady][0].SearchKey)
	require.JSONEq(t, `{"kind":"daily"}`, res[api.QueueReady][0].State)
}

func TestRecurring_FixedKeyKeepsOneWaiting(t *testing.T) {
	rt := newRuntime()
	r := New(rt, nil)
	ctx := context.Background()
	e := Entry{Name: "sweep", Cron: "@every 1m", SearchKey: "sweep"}
	start := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := r.Seed(ctx, e, start.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	counts, err := rt.CountSteps(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, counts[api.QueueReady])
}

func TestRecurring_StartFiresEntries(t *testing.T) {
	rt := newRuntime()
	r := New(rt, nil)
	require.NoError(t, r.Add(Entry{Name: "tick", Cron: "@every 1s", SearchKey: "tick"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	require.Eventually(t, func() bool {
		counts, err := rt.CountSteps(ctx, "")
		return err == nil && counts[api.QueueReady] == 1
	}, 5*time.Second, 20*time.Millisecond)
}
