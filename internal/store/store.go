// Package store provides durable per-session state: sessions, messages,
// findings, artifacts, decisions, tasks, checkpoints, the error log, and
// agent-activity rows, behind a single concrete DB handle. There is no
// Store interface: callers use *DB directly, and tests open an in-memory
// SQLite database with Open(ctx, ":memory:").
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/swarmerr"
)

//go:embed schema.sql
var schema string

// DB wraps the database handle every CRUD file in this package operates on.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if absent) the sqlite-backed store at path, in
// write-ahead mode with a bounded busy timeout, and applies the embedded
// schema. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	}
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "opening database", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, swarmerr.Wrap(swarmerr.DatabaseError, "store", "applying schema", err)
	}

	log.Info(log.CatStore, "opened store", "path", path)
	return &DB{sql: sqlDB}, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

// ErrNotFound is returned by updates and deletes that affect zero rows and
// by lookups that find no row, distinguishing "nothing matched" from a
// silent no-op success.
var ErrNotFound = fmt.Errorf("not found")

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return swarmerr.Wrap(swarmerr.DatabaseError, "store", "reading rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
