// Command stepflow inspects and manages the steps of a stepflow store.
//
//	stepflow --driver postgres --dsn postgres://... counts
//	stepflow -c stepflow.yaml add --name send-invoice --state '{"order":7}'
//	stepflow -c stepflow.yaml fail --flow 3f2c...
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/stepflow"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config      string `short:"c" type:"existingfile" help:"YAML config file."`
	Driver      string `env:"STEPFLOW_DRIVER" help:"Database driver: sqlite, postgres or mysql."`
	DSN         string `env:"STEPFLOW_DSN" help:"Database connection string."`
	TablePrefix string `help:"Prefix of the step tables."`
	Output      string `short:"o" enum:"yaml,json" default:"yaml" help:"Output format (yaml, json)."`
	Verbose     bool   `short:"v" help:"Log debug output to stderr."`

	out io.Writer `kong:"-"`
}

type CLI struct {
	Globals `embed:""`

	Migrate   MigrateCmd   `cmd:"" help:"Create the step tables if they do not exist."`
	Add       AddCmd       `cmd:"" help:"Add a ready step."`
	Search    SearchCmd    `cmd:"" help:"Search steps."`
	Counts    CountsCmd    `cmd:"" help:"Count steps per queue."`
	Activate  ActivateCmd  `cmd:"" help:"Make a scheduled step eligible now."`
	Fail      FailCmd      `cmd:"" help:"Move matching ready steps to the failed queue."`
	Reexecute ReexecuteCmd `cmd:"" help:"Clone matching done or failed steps into new ready steps."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "stepflow:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("stepflow"),
		kong.Description("Inspect and manage stepflow steps."),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	cli.out = out
	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(&cli.Globals)
}

func (g *Globals) logger() *slog.Logger {
	level := slog.LevelWarn
	if g.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// open builds an engine over the configured store. Commands never start
// it; they only use its runtime.
func (g *Globals) open(ctx context.Context) (*stepflow.Engine, error) {
	cfg := stepflow.DefaultConfig()
	if g.Config != "" {
		var err error
		if cfg, err = stepflow.LoadConfig(g.Config); err != nil {
			return nil, err
		}
	}
	if g.Driver != "" {
		cfg.Database.Driver = g.Driver
	}
	if g.DSN != "" {
		cfg.Database.DSN = g.DSN
	}
	if g.TablePrefix != "" {
		cfg.Database.TablePrefix = g.TablePrefix
	}
	if cfg.Database.Driver == "" {
		return nil, errors.New("no database configured: use --driver and --dsn or a config file")
	}
	return stepflow.Open(ctx, cfg, stepflow.NewRegistry(), stepflow.WithLogger(g.logger()))
}

func (g *Globals) print(v any) error {
	if g.Output == "json" {
		enc := json.NewEncoder(g.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(g.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// withEngine opens an engine, runs fn with it and closes it.
func (g *Globals) withEngine(ctx context.Context, fn func(*stepflow.Engine) error) (err error) {
	eng, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := eng.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(eng)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx context.Context, g *Globals) error {
	return g.withEngine(ctx, func(eng *stepflow.Engine) error {
		prefix := eng.Config().Database.TablePrefix
		return g.print(map[string][]string{"tables": {prefix + "ready", prefix + "done", prefix + "failed"}})
	})
}

type AddCmd struct {
	Name        string        `required:"" help:"Step name."`
	State       string        `help:"Initial state as JSON."`
	Flow        string        `help:"Flow id. A new one is generated when empty."`
	Correlation string        `help:"Correlation id."`
	SearchKey   string        `help:"Search key."`
	Singleton   bool          `help:"Keep at most one ready step with this name."`
	At          time.Time     `help:"Schedule time (RFC3339)."`
	In          time.Duration `help:"Schedule the step this far in the future."`
}

func (c *AddCmd) Run(ctx context.Context, g *Globals) error {
	step := &stepflow.Step{
		Name:          c.Name,
		FlowID:        c.Flow,
		CorrelationID: c.Correlation,
		SearchKey:     c.SearchKey,
		Singleton:     c.Singleton,
		ScheduleTime:  c.At,
	}
	if c.In > 0 {
		step.ScheduleTime = time.Now().Add(c.In)
	}
	if c.State != "" {
		var state any
		if err := json.Unmarshal([]byte(c.State), &state); err != nil {
			return fmt.Errorf("--state: %w", err)
		}
		step.InitialState = state
	}
	return g.withEngine(ctx, func(eng *stepflow.Engine) error {
		id, err := eng.Runtime().AddStep(ctx, step)
		if err != nil {
			return err
		}
		return g.print(map[string]int64{"id": id})
	})
}

// SearchFlags are the search flags shared by search, fail and reexecute.
type SearchFlags struct {
	ID          int64  `help:"Step id."`
	Name        string `help:"Step name."`
	Flow        string `help:"Flow id."`
	Correlation string `help:"Correlation id."`
	SearchKey   string `help:"Search key."`
	CreatedBy   int64  `help:"Id of the step that created the steps."`
	Limit       int    `help:"Maximum rows per queue."`
}

func (c SearchFlags) model() stepflow.SearchModel {
	return stepflow.SearchModel{
		ID:              c.ID,
		Name:            c.Name,
		FlowID:          c.Flow,
		CorrelationID:   c.Correlation,
		SearchKey:       c.SearchKey,
		CreatedByStepID: c.CreatedBy,
		Limit:           c.Limit,
	}
}

func (c SearchFlags) empty() bool {
	m := c.model()
	m.Limit = 0
	return m == stepflow.SearchModel{}
}

func levels(queue string) (stepflow.FetchLevels, error) {
	switch queue {
	case "all":
		return stepflow.FetchAll, nil
	case "terminal":
		return stepflow.FetchTerminal, nil
	}
	q, err := stepflow.ParseQueue(queue)
	if err != nil {
		return stepflow.FetchLevels{}, err
	}
	return stepflow.FetchQueue(q), nil
}

// stepView is the printed form of a step.
type stepView struct {
	ID              int64     `json:"id" yaml:"id"`
	Name            string    `json:"name" yaml:"name"`
	Singleton       bool      `json:"singleton,omitempty" yaml:"singleton,omitempty"`
	FlowID          string    `json:"flow_id" yaml:"flow_id"`
	CorrelationID   string    `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	SearchKey       string    `json:"search_key,omitempty" yaml:"search_key,omitempty"`
	CreatedByStepID int64     `json:"created_by_step_id,omitempty" yaml:"created_by_step_id,omitempty"`
	CreatedTime     time.Time `json:"created_time" yaml:"created_time"`
	ScheduleTime    time.Time `json:"schedule_time" yaml:"schedule_time"`
	ExecutionCount  int       `json:"execution_count" yaml:"execution_count"`
	ExecutedBy      string    `json:"executed_by,omitempty" yaml:"executed_by,omitempty"`
	State           string    `json:"state,omitempty" yaml:"state,omitempty"`
	StateFormat     string    `json:"state_format,omitempty" yaml:"state_format,omitempty"`
	ActivationArgs  string    `json:"activation_args,omitempty" yaml:"activation_args,omitempty"`
	Description     string    `json:"description,omitempty" yaml:"description,omitempty"`
}

func viewOf(s *stepflow.Step) stepView {
	return stepView{
		ID:              s.ID,
		Name:            s.Name,
		Singleton:       s.Singleton,
		FlowID:          s.FlowID,
		CorrelationID:   s.CorrelationID,
		SearchKey:       s.SearchKey,
		CreatedByStepID: s.CreatedByStepID,
		CreatedTime:     s.CreatedTime,
		ScheduleTime:    s.ScheduleTime,
		ExecutionCount:  s.ExecutionCount,
		ExecutedBy:      s.ExecutedBy,
		State:           s.State,
		StateFormat:     s.StateFormat,
		ActivationArgs:  s.ActivationArgs,
		Description:     s.Description,
	}
}

type SearchCmd struct {
	SearchFlags `embed:""`
	Queue       string `enum:"ready,done,failed,terminal,all" default:"all" help:"Queues to search."`
}

func (c *SearchCmd) Run(ctx context.Context, g *Globals) error {
	lv, err := levels(c.Queue)
	if err != nil {
		return err
	}
	return g.withEngine(ctx, func(eng *stepflow.Engine) error {
		res, err := eng.Runtime().SearchSteps(ctx, c.model(), lv)
		if err != nil {
			return err
		}
		out := make(map[string][]stepView, len(res))
		for q, steps := range res {
			views := make([]stepView, 0, len(steps))
			for _, s := range steps {
				views = append(views, viewOf(s))
			}
			out[q.String()] = views
		}
		return g.print(out)
	})
}

type CountsCmd struct {
	Flow string `help:"Only count steps of this flow."`
}

func (c *CountsCmd) Run(ctx context.Context, g *Globals) error {
	return g.withEngine(ctx, func(eng *stepflow.Engine) error {
		counts, err := eng.Runtime().CountSteps(ctx, c.Flow)
		if err != nil {
			return err
		}
		out := make(map[string]int, len(counts))
		for q, n := range counts {
			out[q.String()] = n
		}
		return g.print(out)
	})
}

type ActivateCmd struct {
	ID   int64  `arg:"" help:"Id of the ready step."`
	Args string `help:"Activation arguments as JSON."`
}

func (c *ActivateCmd) Run(ctx context.Context, g *Globals) error {
	var args any
	if c.Args != "" {
		if err := json.Unmarshal([]byte(c.Args), &args); err != nil {
			return fmt.Errorf("--args: %w", err)
		}
	}
	return g.withEngine(ctx, func(eng *stepflow.Engine) error {
		n, err := eng.Runtime().ActivateStep(ctx, c.ID, args)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("step %d: %w", c.ID, stepflow.ErrStepNotFound)
		}
		return g.print(map[string]int64{"activated": n})
	})
}

type FailCmd struct {
	SearchFlags `embed:""`
}

func (c *FailCmd) Run(ctx context.Context, g *Globals) error {
	if c.empty() {
		return errors.New("refusing to fail every ready step: give at least one filter")
	}
	return g.withEngine(ctx, func(eng *stepflow.Engine) error {
		n, err := eng.Runtime().FailSteps(ctx, c.model())
		if err != nil {
			return err
		}
		return g.print(map[string]int{"failed": n})
	})
}

type ReexecuteCmd struct {
	SearchFlags `embed:""`
	Queue       string `enum:"done,failed,terminal" default:"terminal" help:"Queues to clone from."`
}

func (c *ReexecuteCmd) Run(ctx context.Context, g *Globals) error {
	if c.empty() {
		return errors.New("refusing to re-execute every finished step: give at least one filter")
	}
	lv, err := levels(c.Queue)
	if err != nil {
		return err
	}
	return g.withEngine(ctx, func(eng *stepflow.Engine) error {
		ids, err := eng.Runtime().ReExecuteSteps(ctx, c.model(), lv)
		if err != nil {
			return err
		}
		if ids == nil {
			ids = []int64{}
		}
		return g.print(map[string][]int64{"ids": ids})
	})
}
