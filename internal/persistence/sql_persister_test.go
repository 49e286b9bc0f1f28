package persistence

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/testutil"
	"github.com/petrijr/stepflow/pkg/api"
)

func newTestSQLitePersister(t *testing.T) Persister {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p, err := NewSQLitePersister(db)
	require.NoError(t, err)
	return p
}

func TestSQLitePersister_Contract(t *testing.T) {
	runPersisterContract(t, newTestSQLitePersister)
}

func TestSQLitePersister_SchemaIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = NewSQLitePersister(db)
	require.NoError(t, err)
	_, err = NewSQLitePersister(db)
	require.NoError(t, err)
}

func TestSQLitePersister_DoneRequiresID(t *testing.T) {
	p := newTestSQLitePersister(t)
	err := InTransaction(context.Background(), p, func(ctx context.Context, tx Tx) error {
		_, err := p.Insert(ctx, tx, api.QueueDone, newStep("x", time.Now()))
		return err
	})
	require.Error(t, err)
}

func TestDialectByName(t *testing.T) {
	for name, want := range map[string]string{
		"sqlite":   "sqlite",
		"postgres": "pgx",
		"pgx":      "pgx",
		"MySQL":    "mysql",
	} {
		d, err := DialectByName(name)
		require.NoError(t, err)
		require.Equal(t, want, d.Name)
	}
	_, err := DialectByName("oracle")
	require.Error(t, err)
}

func TestInsertQueryPlaceholders(t *testing.T) {
	p := &SQLPersister{dialect: Postgres, prefix: "steps_"}
	q := p.insertQuery("steps_ready", false, 2)
	require.Contains(t, q, "$1")
	require.Contains(t, q, "$32")
	require.NotContains(t, q, "$33")

	p.dialect = MySQL
	q = p.insertQuery("steps_done", true, 1)
	require.Contains(t, q, "(id, name")
}

func newPostgresPersister(t *testing.T) Persister {
	t.Helper()
	dsn := testutil.StartPostgresContainer(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// Each subtest shares the container; isolate them by table prefix.
	p, err := NewSQLPersister(db, Postgres, uniquePrefix())
	require.NoError(t, err)
	return p
}

func newMySQLPersister(t *testing.T) Persister {
	t.Helper()
	dsn := testutil.StartMySQLContainer(t)

	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p, err := NewSQLPersister(db, MySQL, uniquePrefix())
	require.NoError(t, err)
	return p
}

func uniquePrefix() string {
	return "t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "_"
}

func TestPostgresPersister_Contract(t *testing.T) {
	testutil.RequireIntegration(t)
	runPersisterContract(t, newPostgresPersister)
}

func TestMySQLPersister_Contract(t *testing.T) {
	testutil.RequireIntegration(t)
	runPersisterContract(t, newMySQLPersister)
}

func TestPostgresPersister_ClaimSkipsLockedRows(t *testing.T) {
	p := newPostgresPersister(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	insertReady(t, p, newStep("a", past), newStep("b", past))

	tx1, err := p.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx1.Rollback() }()
	tx2, err := p.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx2.Rollback() }()
	tx3, err := p.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx3.Rollback() }()

	s1, err := p.GetAndLockReadyStep(ctx, tx1, time.Now())
	require.NoError(t, err)
	s2, err := p.GetAndLockReadyStep(ctx, tx2, time.Now())
	require.NoError(t, err)
	s3, err := p.GetAndLockReadyStep(ctx, tx3, time.Now())
	require.NoError(t, err)

	require.NotEqual(t, s1.ID, s2.ID)
	require.Nil(t, s3)
}
