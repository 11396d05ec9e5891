// Package store provides the persistence backends for SurveyPipe: the
// per-session event log (JSON-lines files, SQLite or Postgres) and the
// per-user JSON documents behind the gating and scheduling stores.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// ErrSessionNotFound is returned when an operation references an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// EventStore is the durable per-session event log.
type EventStore interface {
	// SaveSession inserts or replaces a session envelope.
	SaveSession(ctx context.Context, s models.EventSession) error
	// AppendEvent appends an event to its session's log. The session must exist.
	AppendEvent(ctx context.Context, e models.Event) error
	// Events replays a session's events in timestamp order.
	Events(ctx context.Context, sessionID string) ([]models.Event, error)
	// Sessions lists all known sessions ordered by start time.
	Sessions(ctx context.Context) ([]models.EventSession, error)
	// DeleteSession removes a session and its events. Missing sessions are a no-op.
	DeleteSession(ctx context.Context, sessionID string) error
	// Close releases backend resources.
	Close() error
}

// NewEventStore builds the backend selected by opts: a SQL store when a DSN is
// set, otherwise the file store under Dir.
func NewEventStore(opts ...Option) (EventStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN != "" {
		dialect := cfg.Dialect
		if dialect == "" {
			dialect = DetectDSNType(cfg.DSN)
		}
		slog.Debug("NewEventStore: using SQL backend", "dialect", dialect)
		return NewSQLEventStore(dialect, cfg.DSN)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("event store: neither DSN nor directory configured")
	}
	slog.Debug("NewEventStore: using file backend", "dir", cfg.Dir)
	return NewFileEventStore(cfg.Dir)
}
