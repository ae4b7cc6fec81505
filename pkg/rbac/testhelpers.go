package rbac

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xarlytos/unisunis-sub000/pkg/observability"
)

// PostgresURLEnv names an externally managed Postgres used by the
// integration tests instead of a throwaway container.
const PostgresURLEnv = "UNIS_TEST_POSTGRES_URL"

// ExternalPostgresURL returns the configured Postgres URL, or "" when none is set.
func ExternalPostgresURL() string {
	return os.Getenv(PostgresURLEnv)
}

// OpenExternalPostgres connects to the Postgres named by UNIS_TEST_POSTGRES_URL
// and applies migrations. It skips the test when the database is unreachable.
func OpenExternalPostgres(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := ExternalPostgresURL()
	if dbURL == "" {
		t.Skipf("Skipping test: %s not set", PostgresURLEnv)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Skipf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("Database not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := RunMigrations(context.Background(), db, observability.NopLogger()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

// NewTestSQLStore returns a migrated SQLStore over a private in-memory SQLite
// database. The pool is pinned to one connection because every connection to
// ":memory:" opens its own database.
func NewTestSQLStore(t *testing.T) (*SQLStore, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := RunMigrations(context.Background(), db, observability.NopLogger()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return NewSQLStore(db), db
}
