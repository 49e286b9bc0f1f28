package stepflow_test

import (
	"context"
	"fmt"
	"log"

	"github.com/petrijr/stepflow"
)

type greeting struct {
	Name  string
	Times int
}

// Example demonstrates a step that reruns itself with new state and then
// hands off to a follow-up step.
func Example() {
	reg := stepflow.NewRegistry()
	reg.MustRegister("greet", stepflow.ImplementationFunc(func(ctx context.Context, s *stepflow.Step) (stepflow.ExecutionResult, error) {
		g, err := stepflow.DecodeState[greeting](ctx, s)
		if err != nil {
			return stepflow.ExecutionResult{}, err
		}
		fmt.Printf("hello %s (%d)\n", g.Name, g.Times+1)
		if g.Times+1 < 3 {
			g.Times++
			return stepflow.Rerun().WithState(g), nil
		}
		return stepflow.Done().WithNewSteps(&stepflow.Step{Name: "farewell", InitialState: g.Name}), nil
	}))
	reg.MustRegister("farewell", stepflow.ImplementationFunc(func(ctx context.Context, s *stepflow.Step) (stepflow.ExecutionResult, error) {
		name, err := stepflow.DecodeState[string](ctx, s)
		if err != nil {
			return stepflow.ExecutionResult{}, err
		}
		fmt.Printf("goodbye %s\n", name)
		return stepflow.Done(), nil
	}))

	cfg := stepflow.DefaultConfig()
	cfg.MaxWorkerCount = 1
	cfg.StopWhenNoWork = true

	eng, err := stepflow.NewInMemoryEngine(reg, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer eng.Close()

	ctx := context.Background()
	if _, err := eng.Runtime().AddStep(ctx, &stepflow.Step{Name: "greet", InitialState: greeting{Name: "Ada"}}); err != nil {
		log.Fatal(err)
	}
	if err := eng.Run(ctx); err != nil {
		log.Fatal(err)
	}

	counts, _ := eng.Runtime().CountSteps(ctx, "")
	fmt.Println("done:", counts[stepflow.QueueDone])

	// Output:
	// hello Ada (1)
	// hello Ada (2)
	// hello Ada (3)
	// goodbye Ada
	// done: 2
}
