// Package persistence defines the transactional step store the engine runs
// against, with an in-memory implementation for tests and embedding and a
// database/sql implementation for SQLite, PostgreSQL and MySQL.
package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// Tx is an open store transaction. Exactly one of Commit or Rollback must
// be called; calling either after the first is a no-op that may return an
// error.
type Tx interface {
	Commit() error
	Rollback() error
}

// Persister stores steps in the ready, done and failed queues.
//
// Every method taking a Tx runs inside that transaction. Search accepts a
// nil Tx for reads outside any transaction.
type Persister interface {
	// Begin opens a read-committed transaction.
	Begin(ctx context.Context) (Tx, error)

	// GetAndLockReadyStep claims one ready step with ScheduleTime <= now,
	// skipping rows locked by other transactions. The row stays locked
	// until tx ends. It returns nil, nil when nothing is eligible.
	GetAndLockReadyStep(ctx context.Context, tx Tx, now time.Time) (*api.Step, error)

	// Insert adds steps to queue and returns their IDs. Ready inserts are
	// assigned new IDs; done and failed inserts keep step.ID.
	Insert(ctx context.Context, tx Tx, queue api.Queue, steps ...*api.Step) ([]int64, error)

	// Update overwrites the row with step.ID and returns rows affected.
	Update(ctx context.Context, tx Tx, queue api.Queue, step *api.Step) (int64, error)

	// Delete removes the row with id and returns rows affected.
	Delete(ctx context.Context, tx Tx, queue api.Queue, id int64) (int64, error)

	// Search returns steps matching criteria in the selected queues,
	// ordered by ID.
	Search(ctx context.Context, tx Tx, criteria api.SearchModel, levels api.FetchLevels) (api.SearchResult, error)

	// CountTables counts rows per queue, restricted to flowID when it is
	// not empty. It reads through the ambient transaction of ctx, if any.
	CountTables(ctx context.Context, flowID string) (map[api.Queue]int, error)

	// InsertBulk is a fast path for seeding many steps. It runs in its own
	// transaction and does not report IDs.
	InsertBulk(ctx context.Context, queue api.Queue, steps []*api.Step) error
}

type txCtxKey struct{}

// txScope is the ambient transaction and the work deferred to its commit.
type txScope struct {
	tx Tx

	mu          sync.Mutex
	afterCommit []func()
}

// WithTx returns a context carrying tx as the ambient transaction. Commit
// it with Commit so functions registered with AfterCommit run.
func WithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txCtxKey{}, &txScope{tx: tx})
}

// TxFromContext returns the ambient transaction, if any.
func TxFromContext(ctx context.Context) (Tx, bool) {
	sc, ok := ctx.Value(txCtxKey{}).(*txScope)
	if !ok || sc.tx == nil {
		return nil, false
	}
	return sc.tx, true
}

// AfterCommit runs fn once the ambient transaction of ctx commits, or right
// away when there is none. fn is dropped if the transaction rolls back.
func AfterCommit(ctx context.Context, fn func()) {
	sc, ok := ctx.Value(txCtxKey{}).(*txScope)
	if !ok {
		fn()
		return
	}
	sc.mu.Lock()
	sc.afterCommit = append(sc.afterCommit, fn)
	sc.mu.Unlock()
}

// Commit commits the ambient transaction of ctx and then runs the
// functions registered with AfterCommit.
func Commit(ctx context.Context) error {
	sc, ok := ctx.Value(txCtxKey{}).(*txScope)
	if !ok {
		return errNoTx
	}
	if err := sc.tx.Commit(); err != nil {
		return err
	}
	sc.mu.Lock()
	hooks := sc.afterCommit
	sc.afterCommit = nil
	sc.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

var errNoTx = errors.New("no transaction in context")

// InTransaction runs fn inside the ambient transaction of ctx, or inside a
// new transaction that is committed when fn returns nil and rolled back
// otherwise (including on panic). The ctx passed to fn always carries the
// transaction, so nested calls join it.
func InTransaction(ctx context.Context, p Persister, fn func(ctx context.Context, tx Tx) error) (err error) {
	if tx, ok := TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}

	tx, err := p.Begin(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	txCtx := WithTx(ctx, tx)
	if err := fn(txCtx, tx); err != nil {
		return err
	}

	committed = true
	return Commit(txCtx)
}
