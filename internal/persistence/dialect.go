package persistence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	// Name is also the database/sql driver name the CLI opens.
	Name string

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// LockClause is appended to the claim query. It must lock the row and
	// skip rows locked by other transactions.
	LockClause string

	// Returning selects INSERT ... RETURNING id over LastInsertId.
	Returning bool

	// Schema returns the DDL statements for the three queue tables.
	Schema func(prefix string) []string

	// UniqueViolation reports whether err is the driver's unique
	// constraint error. On a ready insert only the singleton index can
	// raise it.
	UniqueViolation func(err error) bool
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func sqliteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// Extended codes are not enabled on every connection.
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		se.Code() == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

func postgresUnique(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505"
}

func mysqlUnique(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

// SQLite serializes writers at the database level, so it needs no lock
// clause. Pair it with a pool of one connection (see NewSQLitePersister).
var SQLite = Dialect{
	Name:            "sqlite",
	Placeholder:     questionMark,
	UniqueViolation: sqliteUnique,
	Schema: func(prefix string) []string {
		return tableSchema(prefix, schemaTypes{
			readyID:   "INTEGER PRIMARY KEY AUTOINCREMENT",
			plainID:   "INTEGER PRIMARY KEY",
			text:      "TEXT",
			boolean:   "INTEGER",
			bigint:    "INTEGER",
			integer:   "INTEGER",
			singleton: "CREATE UNIQUE INDEX IF NOT EXISTS %[1]sready_singleton ON %[1]sready (name) WHERE singleton = 1",
		})
	},
}

// Postgres claims rows with FOR UPDATE SKIP LOCKED.
var Postgres = Dialect{
	Name:            "pgx",
	Placeholder:     dollar,
	LockClause:      "FOR UPDATE SKIP LOCKED",
	Returning:       true,
	UniqueViolation: postgresUnique,
	Schema: func(prefix string) []string {
		return tableSchema(prefix, schemaTypes{
			readyID:   "BIGSERIAL PRIMARY KEY",
			plainID:   "BIGINT PRIMARY KEY",
			text:      "TEXT",
			boolean:   "BOOLEAN",
			bigint:    "BIGINT",
			integer:   "INTEGER",
			singleton: "CREATE UNIQUE INDEX IF NOT EXISTS %[1]sready_singleton ON %[1]sready (name) WHERE singleton",
		})
	},
}

// MySQL (8.0+) claims rows with FOR UPDATE SKIP LOCKED. It has no partial
// indexes, so singleton uniqueness uses a generated column that is NULL
// for non-singleton rows.
//
// Open the connection with clientFoundRows=true so ActivateStep reports a
// matched row even when nothing changed.
var MySQL = Dialect{
	Name:            "mysql",
	Placeholder:     questionMark,
	LockClause:      "FOR UPDATE SKIP LOCKED",
	UniqueViolation: mysqlUnique,
	Schema: func(prefix string) []string {
		stmts := tableSchema(prefix, schemaTypes{
			readyID: "BIGINT AUTO_INCREMENT PRIMARY KEY",
			plainID: "BIGINT PRIMARY KEY",
			text:    "LONGTEXT",
			key:     "VARCHAR(255)",
			boolean: "BOOLEAN",
			bigint:  "BIGINT",
			integer: "INT",
			readyExtra: ",\n\t\t\tsingleton_name VARCHAR(255) AS (CASE WHEN singleton THEN name ELSE NULL END) STORED" +
				",\n\t\t\tUNIQUE KEY %[1]sready_singleton (singleton_name)" +
				",\n\t\t\tKEY %[1]sready_schedule (schedule_time, id)",
		})
		return stmts
	},
}

// DialectByName returns the dialect for "sqlite", "postgres"/"pgx" or
// "mysql".
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	}
	return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
}

type schemaTypes struct {
	readyID, plainID string
	text             string
	// key is used for indexed text columns; defaults to text.
	key        string
	boolean    string
	bigint     string
	integer    string
	singleton  string
	readyExtra string
}

func tableSchema(prefix string, t schemaTypes) []string {
	if t.key == "" {
		t.key = t.text
	}
	columns := func(idType string) string {
		return fmt.Sprintf(`
			id %s,
			name %s NOT NULL,
			singleton %s NOT NULL,
			flow_id %s NOT NULL,
			search_key %s NOT NULL,
			state %s NOT NULL,
			state_format %s NOT NULL,
			activation_args %s NOT NULL,
			execution_count %s NOT NULL,
			execution_duration_millis %s NOT NULL,
			execution_start_time %s NOT NULL,
			executed_by %s NOT NULL,
			created_time %s NOT NULL,
			created_by_step_id %s NOT NULL,
			schedule_time %s NOT NULL,
			correlation_id %s NOT NULL,
			description %s NOT NULL`,
			idType, t.key, t.boolean, t.key, t.key, t.text, t.key, t.text,
			t.integer, t.bigint, t.bigint, t.key, t.bigint, t.bigint, t.bigint, t.key, t.text)
	}

	var stmts []string
	readyExtra := ""
	if t.readyExtra != "" {
		readyExtra = fmt.Sprintf(t.readyExtra, prefix)
	}
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %sready (%s%s\n\t\t)", prefix, columns(t.readyID), readyExtra))
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %sdone (%s\n\t\t)", prefix, columns(t.plainID)))
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %sfailed (%s\n\t\t)", prefix, columns(t.plainID)))

	if t.singleton != "" {
		stmts = append(stmts, fmt.Sprintf(t.singleton, prefix))
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %[1]sready_schedule ON %[1]sready (schedule_time, id)", prefix))
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %[1]sdone_flow ON %[1]sdone (flow_id)", prefix))
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %[1]sfailed_flow ON %[1]sfailed (flow_id)", prefix))
	}
	return stmts
}
