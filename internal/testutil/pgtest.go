// Package testutil provides a migrated Postgres for store integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// appTables are emptied between tests, children first.
var appTables = []string{
	"sessions", "session_counters", "models",
	"risk_log", "context_cache", "device_profiles",
}

// PGTest returns a database with every migration under migrations/ applied.
// Tables are emptied and the connection closed when the test ends.
//
// The database is POSTGRES_URL. Without it, TESTCONTAINERS=1 starts a
// throwaway postgres:16 container; otherwise the test is skipped.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := t.Context()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		if os.Getenv("TESTCONTAINERS") != "1" {
			t.Skip("POSTGRES_URL not set, skipping integration test")
		}
		dsn = startContainer(t)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(migrationsDir(t)))
	if err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: goose provider: %v", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}

	t.Cleanup(func() {
		// t.Context is already cancelled here
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := truncate(cctx, db); err != nil {
			t.Logf("pgtest: truncate: %v", err)
		}
		_ = db.Close()
	})
	return db
}

func startContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("behavauth_test"),
		tcpostgres.WithUsername("behavauth"),
		tcpostgres.WithPassword("behavauth"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("pgtest: start container: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: connection string: %v", err)
	}
	return dsn
}

// migrationsDir finds migrations/ in the working directory or one of its
// parents.
func migrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for ; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, "migrations")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return candidate
		}
		if filepath.Dir(dir) == dir {
			t.Fatal("pgtest: no migrations/ directory above the working directory")
		}
	}
}

func truncate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(appTables, ", ")+" CASCADE")
	return err
}
