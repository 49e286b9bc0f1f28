package worker

import (
	"context"
	"testing"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/formatter"
)

// BenchmarkRunOnce measures the engine overhead of one claim, execute and
// transition cycle with a no-op step.
func BenchmarkRunOnce(b *testing.B) {
	for name, store := range stores {
		b.Run(name, func(b *testing.B) {
			rt := engine.NewRuntimeData(engine.Config{Persister: store(b), Formatter: formatter.JSON{}})
			reg := api.NewMapRegistry()
			reg.MustRegister("noop", api.ImplementationFunc(func(ctx context.Context, s *api.Step) (api.ExecutionResult, error) {
				return api.Done(), nil
			}))
			w := New(Config{Name: "bench", Runtime: rt, Registry: reg})
			ctx := context.Background()

			steps := make([]*api.Step, b.N)
			for i := range steps {
				steps[i] = &api.Step{Name: "noop", InitialState: i}
			}
			if err := rt.AddStepsBulk(ctx, steps); err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if out := w.RunOnce(ctx); out != OutcomeContinue {
					b.Fatalf("iteration %d: %v", i, out)
				}
			}
		})
	}
}
