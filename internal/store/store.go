// Package store provides storage backends for InsightPipe survey sessions.
//
// It includes an in-memory store for tests and single-process deployments, and
// SQLite/PostgreSQL stores for deployments that want sessions to outlive restarts.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/InsightPipe/internal/models"
)

// Error variables for session storage
var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrNoDSN           = errors.New("database DSN not set")
)

// SessionStore is the get/create/update/delete surface the survey controller uses.
// GetSession returns (nil, nil) when the user has no session.
type SessionStore interface {
	GetSession(ctx context.Context, userID string) (*models.Session, error)
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, userID string) error
	CountSessions(ctx context.Context) (map[models.SessionState]int, error)
	Close() error
}

// Store combines session storage with inbound deduplication.
type Store interface {
	SessionStore
	DedupRepo
}

// Opts holds configuration options for store constructors.
type Opts struct {
	DSN            string
	DedupRetention time.Duration
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithDedupRetention sets how long the in-memory store remembers inbound
// message ids. Redeliveries arrive within minutes, so the default is generous.
func WithDedupRetention(d time.Duration) Option {
	return func(o *Opts) { o.DedupRetention = d }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else (file paths and file: URIs).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// key=value connection strings such as "host=localhost user=postgres"
	if strings.Contains(dsn, "=") && strings.Contains(dsn, " ") && !strings.Contains(dsn, "?") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates a store for dsn: PostgreSQL, SQLite, or in-memory when dsn is empty.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "":
		slog.Debug("store.Open: no DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		slog.Debug("store.Open: detected PostgreSQL DSN")
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		slog.Debug("store.Open: detected SQLite DSN", "db_path", dsn)
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// Dedup bookkeeping for InMemoryStore.
const (
	DefaultDedupRetention = 24 * time.Hour
	dedupPruneInterval    = time.Minute
)

// InMemoryStore keeps sessions in a map. Sessions are copied in and out so
// callers never alias stored state. Inbound ids older than the dedup retention
// are pruned as new ones are recorded.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	inbound   map[string]DedupRecord
	retention time.Duration
	lastPrune time.Time
	now       func() time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := Opts{DedupRetention: DefaultDedupRetention}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DedupRetention <= 0 {
		cfg.DedupRetention = DefaultDedupRetention
	}
	return &InMemoryStore{
		sessions:  make(map[string]*models.Session),
		inbound:   make(map[string]DedupRecord),
		retention: cfg.DedupRetention,
		now:       time.Now,
	}
}

func (s *InMemoryStore) GetSession(ctx context.Context, userID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if err := sess.Validate(0); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.UserID]; ok {
		return ErrSessionExists
	}
	s.sessions[sess.UserID] = sess.Clone()
	return nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	if err := sess.Validate(0); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.UserID]; !ok {
		return ErrSessionNotFound
	}
	c := sess.Clone()
	c.UpdatedAt = time.Now()
	s.sessions[sess.UserID] = c
	return nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

func (s *InMemoryStore) CountSessions(ctx context.Context) (map[models.SessionState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.SessionState]int)
	for _, sess := range s.sessions {
		counts[sess.State]++
	}
	return counts, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneInbound(now)
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: now}
	return true, nil
}

// pruneInbound drops expired dedup records, at most once per prune interval.
// Callers hold s.mu.
func (s *InMemoryStore) pruneInbound(now time.Time) {
	if now.Sub(s.lastPrune) < dedupPruneInterval {
		return
	}
	s.lastPrune = now
	cutoff := now.Add(-s.retention)
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.inbound, id)
		}
	}
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := s.now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}
