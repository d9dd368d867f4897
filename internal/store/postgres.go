package store

import (
	"context"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Pool limits for PostgreSQL. Survey traffic is bursty but small.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions and dedup records in PostgreSQL, so several
// replicas can share survey state.
type PostgresStore struct {
	sqlBackend
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the DSN given by WithPostgresDSN and creates the
// survey tables when missing.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("store.NewPostgresStore: connecting", "dsn_set", cfg.DSN != "")

	db, err := openDB(context.Background(), "PostgresStore", "postgres", cfg.DSN, postgresMigrations, poolConfig{
		maxOpen:     DefaultMaxOpenConns,
		maxIdle:     DefaultMaxIdleConns,
		maxLifetime: DefaultConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlBackend{db: db, name: "PostgresStore", numbered: true}}, nil
}
