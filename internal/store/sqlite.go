package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is used when creating the database's parent directory.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions and dedup records in a single SQLite file.
type SQLiteStore struct {
	sqlBackend
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the file given by WithSQLiteDSN, creating its parent
// directory and the survey tables as needed. Plain paths and file: URIs are
// both accepted.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("store.NewSQLiteStore: opening", "dsn", cfg.DSN)

	if cfg.DSN != "" {
		dir := filepath.Dir(sqlitePath(cfg.DSN))
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("store.NewSQLiteStore: failed to create database directory", "dir", dir, "error", err)
			return nil, fmt.Errorf("SQLiteStore: create directory %s: %w", dir, err)
		}
	}

	// One connection: SQLite serializes writers anyway and this avoids
	// SQLITE_BUSY between our own goroutines.
	db, err := openDB(context.Background(), "SQLiteStore", "sqlite3", cfg.DSN, sqliteMigrations, poolConfig{maxOpen: 1})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlBackend{db: db, name: "SQLiteStore"}}, nil
}

// sqlitePath strips the file: scheme and query parameters from a DSN.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}
