// Package gating decides whether a survey rule may be presented to a user and
// keeps the per-user attempt and completion records behind that decision.
package gating

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/store"
)

// DocumentName is the per-user document the gating records live in.
const DocumentName = "gating"

// Document is the persisted shape of one user's gating state.
type Document struct {
	Records map[string]models.GatingRecord `json:"records"`
}

// Opts holds optional configuration for a Store.
type Opts struct {
	Now func() time.Time
}

// Option configures a Store.
type Option func(*Opts)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Store is the gating authority. Persistence failures never surface to callers:
// reads fail open and writes are logged and dropped.
type Store struct {
	docs *store.DocumentStore[Document]
	now  func() time.Time
}

// NewStore creates a gating store persisting under stateDir.
func NewStore(stateDir string, opts ...Option) (*Store, error) {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	docs, err := store.NewDocumentStore[Document](stateDir, DocumentName)
	if err != nil {
		return nil, err
	}
	return &Store{docs: docs, now: cfg.Now}, nil
}

// Record returns the stored record for (ruleID, userID), if any.
func (s *Store) Record(ruleID, userID string) (models.GatingRecord, bool) {
	doc, _, err := s.docs.Read(userID)
	if err != nil {
		slog.Warn("GatingStore.Record: unreadable gating document", "userID", userID, "error", err)
		return models.GatingRecord{}, false
	}
	rec, ok := doc.Records[ruleID]
	return rec, ok
}

// CanShow reports whether ruleID may be presented to userID under policy.
// It has no side effects.
func (s *Store) CanShow(ruleID, userID string, policy models.GatingPolicy) bool {
	doc, _, err := s.docs.Read(userID)
	if err != nil {
		// Corrupt state is indistinguishable from first run; allow but leave a trace.
		slog.Warn("GatingStore.CanShow: unreadable gating document, allowing", "userID", userID, "ruleID", ruleID, "error", err)
		return true
	}
	rec, ok := doc.Records[ruleID]
	if !ok {
		return true
	}
	if rec.CompletedOnce {
		slog.Debug("GatingStore.CanShow: denied, completed", "ruleID", ruleID, "userID", userID)
		return false
	}
	if policy.MaxAttempts != nil && rec.AttemptCount >= *policy.MaxAttempts {
		slog.Debug("GatingStore.CanShow: denied, max attempts reached", "ruleID", ruleID, "userID", userID, "attempts", rec.AttemptCount)
		return false
	}
	if policy.OncePerUser {
		slog.Debug("GatingStore.CanShow: denied, once per user", "ruleID", ruleID, "userID", userID)
		return false
	}
	if cooldown, ok := policy.EffectiveCooldown(); ok {
		if s.now().Before(rec.LastShownAt.Add(cooldown)) {
			slog.Debug("GatingStore.CanShow: denied, cooling down", "ruleID", ruleID, "userID", userID, "lastShownAt", rec.LastShownAt)
			return false
		}
	}
	return true
}

// MarkShown records one presentation attempt.
func (s *Store) MarkShown(ruleID, userID string) {
	now := s.now()
	err := s.docs.Update(userID, func(doc *Document) error {
		if doc.Records == nil {
			doc.Records = make(map[string]models.GatingRecord)
		}
		rec := doc.Records[ruleID]
		rec.AttemptCount++
		rec.LastShownAt = now
		rec.ShownOnce = true
		doc.Records[ruleID] = rec
		return nil
	})
	if err != nil {
		slog.Error("GatingStore.MarkShown: dropping write", "ruleID", ruleID, "userID", userID, "error", err)
		return
	}
	slog.Debug("GatingStore.MarkShown", "ruleID", ruleID, "userID", userID)
}

// MarkCompleted permanently disables ruleID for userID. It is idempotent and
// leaves the attempt count untouched.
func (s *Store) MarkCompleted(ruleID, userID string) {
	err := s.docs.Update(userID, func(doc *Document) error {
		if doc.Records == nil {
			doc.Records = make(map[string]models.GatingRecord)
		}
		rec := doc.Records[ruleID]
		rec.CompletedOnce = true
		doc.Records[ruleID] = rec
		return nil
	})
	if err != nil {
		slog.Error("GatingStore.MarkCompleted: dropping write", "ruleID", ruleID, "userID", userID, "error", err)
		return
	}
	slog.Debug("GatingStore.MarkCompleted", "ruleID", ruleID, "userID", userID)
}

// Seed replaces the record for (ruleID, userID).
func (s *Store) Seed(ruleID, userID string, rec models.GatingRecord) error {
	return s.docs.Update(userID, func(doc *Document) error {
		if doc.Records == nil {
			doc.Records = make(map[string]models.GatingRecord)
		}
		doc.Records[ruleID] = rec
		return nil
	})
}
