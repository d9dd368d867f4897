package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/InsightPipe/internal/models"
)

// sqlBackend implements Store on database/sql. Queries are written with "?"
// placeholders and rebound for drivers that number them.
type sqlBackend struct {
	db       *sql.DB
	name     string
	numbered bool
}

// poolConfig bounds the connection pool of a sqlBackend.
type poolConfig struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
}

// openDB opens driver at dsn, verifies the connection and applies the embedded
// schema. The returned handle is closed on any failure.
func openDB(ctx context.Context, name, driver, dsn, schema string, pool poolConfig) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrNoDSN)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error(name+".open: failed to open connection", "driver", driver, "error", err)
		return nil, fmt.Errorf("%s: open: %w", name, err)
	}
	if pool.maxOpen > 0 {
		db.SetMaxOpenConns(pool.maxOpen)
	}
	if pool.maxIdle > 0 {
		db.SetMaxIdleConns(pool.maxIdle)
	}
	if pool.maxLifetime > 0 {
		db.SetConnMaxLifetime(pool.maxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		slog.Error(name+".open: ping failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("%s: ping: %w", name, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		slog.Error(name+".open: schema migration failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("%s: migrate: %w", name, err)
	}
	slog.Debug(name+".open: schema ready", "driver", driver)
	return db, nil
}

func (b *sqlBackend) rebind(query string) string {
	if !b.numbered {
		return query
	}
	var out strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func (b *sqlBackend) GetSession(ctx context.Context, userID string) (*models.Session, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(
		`SELECT user_id, state, answer_cursor, answers, created_at, updated_at FROM survey_sessions WHERE user_id = ?`),
		userID)

	var sess models.Session
	var state, answersJSON string
	err := row.Scan(&sess.UserID, &state, &sess.Cursor, &answersJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(b.name+" GetSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get session for %s: %w", userID, err)
	}
	sess.State = models.SessionState(state)
	if err := json.Unmarshal([]byte(answersJSON), &sess.Answers); err != nil {
		return nil, fmt.Errorf("failed to decode answers for %s: %w", userID, err)
	}
	if sess.Answers == nil {
		sess.Answers = []string{}
	}
	return &sess, nil
}

func (b *sqlBackend) CreateSession(ctx context.Context, sess *models.Session) error {
	if err := sess.Validate(0); err != nil {
		return err
	}
	answersJSON, err := marshalAnswers(sess.Answers)
	if err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO survey_sessions (user_id, state, answer_cursor, answers, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (user_id) DO NOTHING`),
		sess.UserID, string(sess.State), sess.Cursor, answersJSON, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error(b.name+" CreateSession failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to create session for %s: %w", sess.UserID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionExists
	}
	slog.Debug(b.name+" CreateSession succeeded", "userID", sess.UserID, "state", sess.State)
	return nil
}

func (b *sqlBackend) UpdateSession(ctx context.Context, sess *models.Session) error {
	if err := sess.Validate(0); err != nil {
		return err
	}
	answersJSON, err := marshalAnswers(sess.Answers)
	if err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, b.rebind(
		`UPDATE survey_sessions SET state = ?, answer_cursor = ?, answers = ?, updated_at = ? WHERE user_id = ?`),
		string(sess.State), sess.Cursor, answersJSON, time.Now(), sess.UserID)
	if err != nil {
		slog.Error(b.name+" UpdateSession failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to update session for %s: %w", sess.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected check failed: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	slog.Debug(b.name+" UpdateSession succeeded", "userID", sess.UserID, "state", sess.State, "cursor", sess.Cursor)
	return nil
}

func (b *sqlBackend) DeleteSession(ctx context.Context, userID string) error {
	if _, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM survey_sessions WHERE user_id = ?`), userID); err != nil {
		slog.Error(b.name+" DeleteSession failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete session for %s: %w", userID, err)
	}
	slog.Debug(b.name+" DeleteSession succeeded", "userID", userID)
	return nil
}

func (b *sqlBackend) CountSessions(ctx context.Context) (map[models.SessionState]int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM survey_sessions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SessionState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan session count: %w", err)
		}
		counts[models.SessionState(state)] = n
	}
	return counts, rows.Err()
}

func (b *sqlBackend) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := b.db.QueryRow(b.rebind(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (b *sqlBackend) RecordInbound(messageID, userID string) (bool, error) {
	res, err := b.db.Exec(b.rebind(
		`INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, userID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (b *sqlBackend) MarkProcessed(messageID string) error {
	if _, err := b.db.Exec(b.rebind(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), time.Now(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *sqlBackend) Close() error {
	slog.Debug("Closing " + b.name + " database connection")
	err := b.db.Close()
	if err != nil {
		slog.Error("Failed to close "+b.name+" database", "error", err)
	}
	return err
}

func marshalAnswers(answers []string) (string, error) {
	if answers == nil {
		answers = []string{}
	}
	data, err := json.Marshal(answers)
	if err != nil {
		return "", fmt.Errorf("failed to encode answers: %w", err)
	}
	return string(data), nil
}
