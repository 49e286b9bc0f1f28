package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// bulkChunkSize bounds the rows per multi-row INSERT in InsertBulk.
const bulkChunkSize = 250

// stepColumns lists every column except id, in bind order.
var stepColumns = []string{
	"name", "singleton", "flow_id", "search_key", "state", "state_format",
	"activation_args", "execution_count", "execution_duration_millis",
	"execution_start_time", "executed_by", "created_time",
	"created_by_step_id", "schedule_time", "correlation_id", "description",
}

var selectColumns = "id, " + strings.Join(stepColumns, ", ")

// SQLPersister is a Persister over database/sql.
//
// It expects an *sql.DB opened with the driver matching its Dialect. The
// caller is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	import _ "github.com/go-sql-driver/mysql"
type SQLPersister struct {
	db      *sql.DB
	dialect Dialect
	prefix  string
}

// Ensure SQLPersister implements Persister.
var _ Persister = (*SQLPersister)(nil)

// NewSQLPersister initializes the queue tables (named <prefix>ready,
// <prefix>done and <prefix>failed) and returns a persister.
func NewSQLPersister(db *sql.DB, dialect Dialect, prefix string) (*SQLPersister, error) {
	p := &SQLPersister{db: db, dialect: dialect, prefix: prefix}
	if err := p.initSchema(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewSQLitePersister returns a SQLite-backed persister. SQLite allows one
// writer at a time, so the pool is limited to a single connection: a
// worker's transaction then excludes every other transaction, which is
// what row locking provides on the other databases.
//
// Steps must use their execution context for runtime calls; a call on an
// unrelated context would wait for the connection held by its own worker.
func NewSQLitePersister(db *sql.DB) (*SQLPersister, error) {
	db.SetMaxOpenConns(1)
	return NewSQLPersister(db, SQLite, "steps_")
}

// NewPostgresPersister returns a PostgreSQL-backed persister.
func NewPostgresPersister(db *sql.DB) (*SQLPersister, error) {
	return NewSQLPersister(db, Postgres, "steps_")
}

// NewMySQLPersister returns a MySQL-backed persister.
func NewMySQLPersister(db *sql.DB) (*SQLPersister, error) {
	return NewSQLPersister(db, MySQL, "steps_")
}

func (p *SQLPersister) initSchema() error {
	for _, stmt := range p.dialect.Schema(p.prefix) {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (p *SQLPersister) table(q api.Queue) (string, error) {
	switch q {
	case api.QueueReady, api.QueueDone, api.QueueFailed:
		return p.prefix + q.String(), nil
	}
	return "", fmt.Errorf("unknown queue %v", q)
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

// querier is the subset of *sql.DB and *sql.Tx the persister uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn resolves tx, falling back to the ambient transaction of ctx and
// then to the pool.
func (p *SQLPersister) conn(ctx context.Context, tx Tx) (querier, error) {
	if tx == nil {
		ambient, ok := TxFromContext(ctx)
		if !ok {
			return p.db, nil
		}
		tx = ambient
	}
	st, ok := tx.(*sqlTx)
	if !ok {
		return nil, fmt.Errorf("transaction %T does not belong to this persister", tx)
	}
	return st.tx, nil
}

func (p *SQLPersister) Begin(ctx context.Context) (Tx, error) {
	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	if p.dialect.Name == SQLite.Name {
		// SQLite has no read-committed level; its default is serializable.
		opts = nil
	}
	tx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (p *SQLPersister) GetAndLockReadyStep(ctx context.Context, tx Tx, now time.Time) (*api.Step, error) {
	q, err := p.conn(ctx, tx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %sready
		WHERE schedule_time <= %s
		ORDER BY schedule_time, id
		LIMIT 1 %s`,
		selectColumns, p.prefix, p.dialect.Placeholder(1), p.dialect.LockClause)

	step, err := scanStep(q.QueryRowContext(ctx, query, toMillis(now)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return step, nil
}

func (p *SQLPersister) Insert(ctx context.Context, tx Tx, queue api.Queue, steps ...*api.Step) ([]int64, error) {
	q, err := p.conn(ctx, tx)
	if err != nil {
		return nil, err
	}
	table, err := p.table(queue)
	if err != nil {
		return nil, err
	}

	withID := queue != api.QueueReady
	query := p.insertQuery(table, withID, 1)
	if p.dialect.Returning && !withID {
		query += " RETURNING id"
	}

	ids := make([]int64, 0, len(steps))
	for _, s := range steps {
		if withID && s.ID == 0 {
			return ids, fmt.Errorf("insert into %v requires a step id", queue)
		}
		args := stepArgs(s, withID)

		var id int64
		switch {
		case withID:
			if _, err := q.ExecContext(ctx, query, args...); err != nil {
				return ids, err
			}
			id = s.ID
		case p.dialect.Returning:
			if err := q.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
				return ids, p.readyInsertErr(s.Name, err)
			}
		default:
			res, err := q.ExecContext(ctx, query, args...)
			if err != nil {
				return ids, p.readyInsertErr(s.Name, err)
			}
			if id, err = res.LastInsertId(); err != nil {
				return ids, err
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// insertQuery renders an INSERT for rows rows.
func (p *SQLPersister) insertQuery(table string, withID bool, rows int) string {
	cols := stepColumns
	if withID {
		cols = append([]string{"id"}, stepColumns...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(cols, ", "))
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range cols {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.dialect.Placeholder(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func (p *SQLPersister) Update(ctx context.Context, tx Tx, queue api.Queue, step *api.Step) (int64, error) {
	q, err := p.conn(ctx, tx)
	if err != nil {
		return 0, err
	}
	table, err := p.table(queue)
	if err != nil {
		return 0, err
	}

	sets := make([]string, len(stepColumns))
	for i, c := range stepColumns {
		sets[i] = fmt.Sprintf("%s = %s", c, p.dialect.Placeholder(i+1))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s",
		table, strings.Join(sets, ", "), p.dialect.Placeholder(len(stepColumns)+1))

	args := append(stepArgs(step, false), step.ID)
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *SQLPersister) Delete(ctx context.Context, tx Tx, queue api.Queue, id int64) (int64, error) {
	q, err := p.conn(ctx, tx)
	if err != nil {
		return 0, err
	}
	table, err := p.table(queue)
	if err != nil {
		return 0, err
	}

	res, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = %s", table, p.dialect.Placeholder(1)), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *SQLPersister) Search(ctx context.Context, tx Tx, criteria api.SearchModel, levels api.FetchLevels) (api.SearchResult, error) {
	q, err := p.conn(ctx, tx)
	if err != nil {
		return nil, err
	}

	where, args := p.whereClause(criteria)
	result := make(api.SearchResult)
	for _, queue := range levels.Queues() {
		table, err := p.table(queue)
		if err != nil {
			return nil, err
		}
		query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY id", selectColumns, table, where)
		if criteria.Limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", criteria.Limit)
		}

		steps, err := p.querySteps(ctx, q, query, args...)
		if err != nil {
			return nil, err
		}
		result[queue] = steps
	}
	return result, nil
}

func (p *SQLPersister) whereClause(m api.SearchModel) (string, []any) {
	var clauses []string
	var args []any
	add := func(col, op string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("%s %s %s", col, op, p.dialect.Placeholder(len(args))))
	}

	if m.ID != 0 {
		add("id", "=", m.ID)
	}
	if m.Name != "" {
		add("name", "=", m.Name)
	}
	if m.FlowID != "" {
		add("flow_id", "=", m.FlowID)
	}
	if m.CorrelationID != "" {
		add("correlation_id", "=", m.CorrelationID)
	}
	if m.SearchKey != "" {
		add("search_key", "=", m.SearchKey)
	}
	if m.CreatedByStepID != 0 {
		add("created_by_step_id", "=", m.CreatedByStepID)
	}
	if !m.ScheduledBefore.IsZero() {
		add("schedule_time", "<=", toMillis(m.ScheduledBefore))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (p *SQLPersister) querySteps(ctx context.Context, q querier, query string, args ...any) ([]*api.Step, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*api.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}

func (p *SQLPersister) CountTables(ctx context.Context, flowID string) (map[api.Queue]int, error) {
	q, err := p.conn(ctx, nil)
	if err != nil {
		return nil, err
	}

	counts := make(map[api.Queue]int, len(api.Queues))
	for _, queue := range api.Queues {
		table, err := p.table(queue)
		if err != nil {
			return nil, err
		}

		query := "SELECT COUNT(*) FROM " + table
		var args []any
		if flowID != "" {
			query += " WHERE flow_id = " + p.dialect.Placeholder(1)
			args = append(args, flowID)
		}

		var n int
		if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return nil, err
		}
		counts[queue] = n
	}
	return counts, nil
}

// InsertBulk writes steps with multi-row INSERT statements inside one
// transaction of its own.
func (p *SQLPersister) InsertBulk(ctx context.Context, queue api.Queue, steps []*api.Step) error {
	table, err := p.table(queue)
	if err != nil {
		return err
	}
	withID := queue != api.QueueReady

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(steps); start += bulkChunkSize {
		end := min(start+bulkChunkSize, len(steps))
		chunk := steps[start:end]

		args := make([]any, 0, len(chunk)*(len(stepColumns)+1))
		for _, s := range chunk {
			args = append(args, stepArgs(s, withID)...)
		}
		if _, err := tx.ExecContext(ctx, p.insertQuery(table, withID, len(chunk)), args...); err != nil {
			if !withID {
				return p.readyInsertErr(chunk[0].Name, err)
			}
			return err
		}
	}
	return tx.Commit()
}

// readyInsertErr marks a unique violation on the ready table as a
// singleton violation, keeping the driver error in the chain.
func (p *SQLPersister) readyInsertErr(name string, err error) error {
	if p.dialect.UniqueViolation != nil && p.dialect.UniqueViolation(err) {
		return fmt.Errorf("%w: %q: %w", api.ErrSingletonViolation, name, err)
	}
	return err
}

func stepArgs(s *api.Step, withID bool) []any {
	args := make([]any, 0, len(stepColumns)+1)
	if withID {
		args = append(args, s.ID)
	}
	return append(args,
		s.Name,
		s.Singleton,
		s.FlowID,
		s.SearchKey,
		s.State,
		s.StateFormat,
		s.ActivationArgs,
		s.ExecutionCount,
		s.ExecutionDurationMillis,
		toMillis(s.ExecutionStartTime),
		s.ExecutedBy,
		toMillis(s.CreatedTime),
		s.CreatedByStepID,
		toMillis(s.ScheduleTime),
		s.CorrelationID,
		s.Description,
	)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStep(row scanner) (*api.Step, error) {
	var (
		s                          api.Step
		startMs, createdMs, schedMs int64
	)
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Singleton,
		&s.FlowID,
		&s.SearchKey,
		&s.State,
		&s.StateFormat,
		&s.ActivationArgs,
		&s.ExecutionCount,
		&s.ExecutionDurationMillis,
		&startMs,
		&s.ExecutedBy,
		&createdMs,
		&s.CreatedByStepID,
		&schedMs,
		&s.CorrelationID,
		&s.Description,
	)
	if err != nil {
		return nil, err
	}
	s.ExecutionStartTime = fromMillis(startMs)
	s.CreatedTime = fromMillis(createdMs)
	s.ScheduleTime = fromMillis(schedMs)
	return &s, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
