// Package sqlite persists credentials and request logs using SQLite via
// modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// pragmas tune SQLite for a single-process gateway: WAL keeps readers
// off the writer's back, busy_timeout covers writer contention between
// the recorder and the admin API.
const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

// Store implements storage.Store. Writes go through a single-connection
// pool; reads get a pool sized to the host.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the database at dsn (a file path, or ":memory:"), applies
// pending migrations, and returns the store.
func New(dsn string) (*Store, error) {
	var full string
	if dsn == ":memory:" {
		// Shared cache so the read and write pools see the same data.
		full = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		full = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", full)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", full)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

// migrate applies the embedded goose migrations. fs.Sub strips the
// "migrations/" prefix so goose sees the files at the FS root.
func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies connectivity on both pools.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Join(s.write.PingContext(ctx), s.read.PingContext(ctx))
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
