package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported SQL dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that SQLEventStore implements EventStore.
var _ EventStore = (*SQLEventStore)(nil)

// SQLEventStore is an EventStore on SQLite or Postgres.
type SQLEventStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLEventStore opens the database, applies migrations and returns the store.
func NewSQLEventStore(dialect, dsn string) (*SQLEventStore, error) {
	if dsn == "" {
		slog.Error("SQLEventStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	var driver, migrations string
	switch dialect {
	case DialectSQLite:
		driver, migrations = "sqlite3", sqliteMigrations
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			dir := filepath.Dir(dsn)
			if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
				slog.Error("Failed to create database directory", "error", err, "dir", dir)
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	case DialectPostgres:
		driver, migrations = "postgres", postgresMigrations
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	slog.Debug("SQLEventStore: opening database", "dialect", dialect)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error("Failed to open database connection", "error", err, "dialect", dialect)
		return nil, err
	}
	if dialect == DialectSQLite {
		// A single writer avoids SQLITE_BUSY between the recorder and cleanup jobs.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		slog.Error("Database ping failed", "error", err, "dialect", dialect)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(migrations); err != nil {
		slog.Error("Failed to run migrations", "error", err, "dialect", dialect)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLEventStore migrations applied successfully", "dialect", dialect)
	return &SQLEventStore{db: db, dialect: dialect}, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLEventStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func encodeProperties(p models.Properties) (interface{}, error) {
	if len(p) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeProperties(raw sql.NullString) (models.Properties, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var p models.Properties
	if err := json.Unmarshal([]byte(raw.String), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLEventStore) SaveSession(ctx context.Context, sess models.EventSession) error {
	metadata, err := encodeProperties(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	var endedAt interface{}
	if sess.EndedAt != nil {
		endedAt = sess.EndedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO event_sessions (id, user_id, metadata, started_at, ended_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id, metadata = excluded.metadata,
		 started_at = excluded.started_at, ended_at = excluded.ended_at`),
		sess.ID, nilIfEmpty(sess.UserID), metadata, sess.StartedAt.UTC(), endedAt,
	)
	if err != nil {
		slog.Error("SQLEventStore.SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLEventStore.SaveSession succeeded", "sessionID", sess.ID)
	return nil
}

func (s *SQLEventStore) AppendEvent(ctx context.Context, e models.Event) error {
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM event_sessions WHERE id = ?`), e.SessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("append event to %s: %w", e.SessionID, ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("session lookup failed: %w", err)
	}

	props, err := encodeProperties(e.Properties)
	if err != nil {
		return fmt.Errorf("encode event properties: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO events (id, session_id, name, timestamp, properties, user_id) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.SessionID, e.Name, e.Timestamp.UTC(), props, nilIfEmpty(e.UserID),
	)
	if err != nil {
		slog.Error("SQLEventStore.AppendEvent failed", "error", err, "sessionID", e.SessionID)
		return fmt.Errorf("failed to append event %s: %w", e.ID, err)
	}
	slog.Debug("SQLEventStore.AppendEvent succeeded", "sessionID", e.SessionID, "event", e.Name)
	return nil
}

func (s *SQLEventStore) Events(ctx context.Context, sessionID string) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, session_id, name, timestamp, properties, user_id FROM events
		 WHERE session_id = ? ORDER BY timestamp ASC, seq ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var props, userID sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Name, &e.Timestamp, &props, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if e.Properties, err = decodeProperties(props); err != nil {
			return nil, fmt.Errorf("failed to decode properties of event %s: %w", e.ID, err)
		}
		e.UserID = userID.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return events, nil
}

func (s *SQLEventStore) Sessions(ctx context.Context) ([]models.EventSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, metadata, started_at, ended_at FROM event_sessions ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.EventSession
	for rows.Next() {
		var sess models.EventSession
		var userID, metadata sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &userID, &metadata, &sess.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sess.UserID = userID.String
		if sess.Metadata, err = decodeProperties(metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of session %s: %w", sess.ID, err)
		}
		if endedAt.Valid {
			t := endedAt.Time
			sess.EndedAt = &t
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func (s *SQLEventStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM events WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("delete events of %s: %w", sessionID, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM event_sessions WHERE id = ?`), sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	slog.Debug("SQLEventStore.DeleteSession succeeded", "sessionID", sessionID)
	return nil
}

func (s *SQLEventStore) Close() error {
	return s.db.Close()
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
