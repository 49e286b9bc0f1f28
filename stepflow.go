package stepflow

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/notify"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Step                 = api.Step
	Queue                = api.Queue
	Status               = api.Status
	ExecutionResult      = api.ExecutionResult
	FailNowError         = api.FailNowError
	SearchModel          = api.SearchModel
	SearchResult         = api.SearchResult
	FetchLevels          = api.FetchLevels
	Implementation       = api.Implementation
	ImplementationFunc   = api.ImplementationFunc
	Registry             = api.Registry
	MapRegistry          = api.MapRegistry
	Formatter            = api.Formatter
	Observer             = api.Observer
	NoopObserver         = api.NoopObserver
	CompositeObserver    = api.CompositeObserver
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot

	// Runtime adds, searches, activates, fails and re-executes steps.
	Runtime = engine.RuntimeData
)

const (
	QueueReady  = api.QueueReady
	QueueDone   = api.QueueDone
	QueueFailed = api.QueueFailed

	StatusReady  = api.StatusReady
	StatusDone   = api.StatusDone
	StatusFailed = api.StatusFailed
)

var (
	FetchReady    = api.FetchReady
	FetchDone     = api.FetchDone
	FetchFailed   = api.FetchFailed
	FetchTerminal = api.FetchTerminal
	FetchAll      = api.FetchAll

	FetchQueue = api.FetchQueue
	ParseQueue = api.ParseQueue
)

// Result constructors and helpers.

var (
	Done       = api.Done
	Failed     = api.Failed
	Rerun      = api.Rerun
	RerunAt    = api.RerunAt
	RerunAfter = api.RerunAfter
	FailNow    = api.FailNow
	AsFailNow  = api.AsFailNow

	NewRegistry          = api.NewMapRegistry
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	RuntimeFromContext   = api.RuntimeFromContext
)

// Errors.

var (
	ErrStepNameRequired    = api.ErrStepNameRequired
	ErrInvalidResult       = api.ErrInvalidResult
	ErrStateFormat         = api.ErrStateFormat
	ErrStateFormatMismatch = api.ErrStateFormatMismatch
	ErrReExecuteReady      = api.ErrReExecuteReady
	ErrBulkInTransaction   = api.ErrBulkInTransaction
	ErrSingletonViolation  = api.ErrSingletonViolation
	ErrStepNotFound        = api.ErrStepNotFound
)

// DecodeState deserializes step.State with the formatter of the running
// engine.
func DecodeState[T any](ctx context.Context, step *Step) (T, error) {
	return api.DecodeState[T](ctx, step)
}

// DecodeActivationArgs deserializes step.ActivationArgs.
func DecodeActivationArgs[T any](ctx context.Context, step *Step) (T, error) {
	return api.DecodeActivationArgs[T](ctx, step)
}

// Engine constructors
// These wrap the internal packages so external callers never need to
// import them.

// NewInMemoryEngine returns an Engine whose steps live in process memory.
// It is meant for tests and single-process tools.
func NewInMemoryEngine(reg Registry, cfg Config, opts ...Option) (*Engine, error) {
	return newEngine(persistence.NewMemoryPersister(), reg, cfg, opts...)
}

// NewSQLiteEngine returns an Engine storing steps in db, which must be a
// SQLite database opened with the "sqlite" driver. The pool is limited to
// one connection.
func NewSQLiteEngine(db *sql.DB, reg Registry, cfg Config, opts ...Option) (*Engine, error) {
	return newSQLEngine(db, persistence.SQLite, reg, cfg, opts...)
}

// NewPostgresEngine returns an Engine storing steps in a PostgreSQL
// database opened with the "pgx" driver.
func NewPostgresEngine(db *sql.DB, reg Registry, cfg Config, opts ...Option) (*Engine, error) {
	return newSQLEngine(db, persistence.Postgres, reg, cfg, opts...)
}

// NewMySQLEngine returns an Engine storing steps in a MySQL 8 database.
// The DSN should set clientFoundRows=true.
func NewMySQLEngine(db *sql.DB, reg Registry, cfg Config, opts ...Option) (*Engine, error) {
	return newSQLEngine(db, persistence.MySQL, reg, cfg, opts...)
}

func newSQLEngine(db *sql.DB, d persistence.Dialect, reg Registry, cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if d.Name == persistence.SQLite.Name {
		db.SetMaxOpenConns(1)
	}
	p, err := persistence.NewSQLPersister(db, d, cfg.Database.TablePrefix)
	if err != nil {
		return nil, err
	}
	return newEngine(p, reg, cfg, opts...)
}

// Open builds an Engine from cfg alone: it opens cfg.Database (an
// in-memory store when no driver is set) and, when cfg.Redis.Addr is set,
// a Redis notifier. Close releases both.
func Open(ctx context.Context, cfg Config, reg Registry, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var own []Option
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		own = append(own,
			WithNotifier(notify.NewRedisNotifier(client, cfg.Redis.Channel, loggerFrom(opts))),
			withClosers(client))
	}
	// Open's own resources come first so explicit options still win.
	opts = append(own, opts...)

	if cfg.Database.Driver == "" {
		e, err := NewInMemoryEngine(reg, cfg, opts...)
		return e, closeOnError(err, opts)
	}

	d, err := persistence.DialectByName(cfg.Database.Driver)
	if err != nil {
		return nil, closeOnError(err, opts)
	}
	db, err := sql.Open(d.Name, cfg.Database.DSN)
	if err != nil {
		return nil, closeOnError(fmt.Errorf("open database: %w", err), opts)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, closeOnError(fmt.Errorf("connect database: %w", err), opts)
	}
	opts = append(opts, withClosers(db))

	e, err := newSQLEngine(db, d, reg, cfg, opts...)
	return e, closeOnError(err, opts)
}

// closeOnError releases the resources registered in opts when engine
// construction failed.
func closeOnError(err error, opts []Option) error {
	if err == nil {
		return nil
	}
	for _, c := range collect(opts).closers {
		_ = c.Close()
	}
	return err
}

func loggerFrom(opts []Option) *slog.Logger {
	return collect(opts).logger
}
