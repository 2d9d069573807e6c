// Package store opens and prepares the Harbor coordination database. The
// database is a single SQLite file living alongside the coordinated
// repository, opened in WAL mode so multiple cooperating agent processes
// can read and write concurrently. Its transactional and unique-constraint
// guarantees are the engine's only real mutex: in-process pre-checks are
// optimizations, the storage layer is the arbiter.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"harbor/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Open opens (or creates) the coordination database at path and enforces
// production-safe defaults: WAL journal mode and a 5-second busy timeout.
// The schema is applied idempotently. The parent directory is created if
// missing.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}

	// The pragmas ride in the DSN so the driver applies them to every
	// connection in the pool, not just the one a PRAGMA statement would
	// happen to land on.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema to %s: %w", path, err)
	}

	return db, nil
}

// OpenReadOnly opens an existing coordination database without taking
// write locks, for dashboards and log queries that must not block agents.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
