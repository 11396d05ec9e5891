// Package schedule persists survey presentations deferred to a later time so
// they survive session changes and process restarts.
package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/store"
)

// DocumentName is the per-user document scheduled surveys live in.
const DocumentName = "scheduled_surveys"

// DefaultMaxAge is the default cutoff for CleanupOldScheduled.
const DefaultMaxAge = 24 * time.Hour

// Document is the persisted shape of one user's scheduled surveys.
type Document struct {
	Surveys []models.ScheduledSurvey `json:"surveys"`
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

// Store is the durable queue of delayed presentations. At most one entry exists
// per (rule, session) pair.
type Store struct {
	docs *store.DocumentStore[Document]
	now  func() time.Time
}

// NewStore creates a schedule store persisting under stateDir.
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

// ScheduleForLater upserts the entry for (ruleID, sessionID) to fire after delay.
// The returned entry is valid even when persisting it failed.
func (s *Store) ScheduleForLater(ruleID, userID, sessionID string, delay time.Duration) (models.ScheduledSurvey, error) {
	if delay < 0 {
		delay = 0
	}
	now := s.now()
	entry := models.ScheduledSurvey{
		RuleID:      ruleID,
		UserID:      userID,
		SessionID:   sessionID,
		ScheduledAt: now,
		TriggerAt:   now.Add(delay),
	}
	err := s.docs.Update(userID, func(doc *Document) error {
		doc.Surveys = append(removeEntry(doc.Surveys, ruleID, sessionID), entry)
		return nil
	})
	if err != nil {
		slog.Error("ScheduleStore.ScheduleForLater: failed to persist", "ruleID", ruleID, "sessionID", sessionID, "error", err)
		return entry, fmt.Errorf("persist scheduled survey %s: %w", ruleID, err)
	}
	slog.Debug("ScheduleStore.ScheduleForLater", "ruleID", ruleID, "sessionID", sessionID, "triggerAt", entry.TriggerAt)
	return entry, nil
}

func removeEntry(entries []models.ScheduledSurvey, ruleID, sessionID string) []models.ScheduledSurvey {
	kept := entries[:0]
	for _, e := range entries {
		if e.RuleID == ruleID && e.SessionID == sessionID {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func (s *Store) entries(userID string) []models.ScheduledSurvey {
	doc, _, err := s.docs.Read(userID)
	if err != nil {
		slog.Warn("ScheduleStore: unreadable schedule document", "userID", userID, "error", err)
		return nil
	}
	return doc.Surveys
}

func (s *Store) filter(userID, sessionID string, allSessions, expired bool) []models.ScheduledSurvey {
	now := s.now()
	var out []models.ScheduledSurvey
	for _, e := range s.entries(userID) {
		if !allSessions && e.SessionID != sessionID {
			continue
		}
		if e.IsExpired(now) == expired {
			out = append(out, e)
		}
	}
	return out
}

// GetPendingSurveys returns the not yet expired entries of one session.
func (s *Store) GetPendingSurveys(userID, sessionID string) []models.ScheduledSurvey {
	return s.filter(userID, sessionID, false, false)
}

// GetAllPendingSurveys returns the not yet expired entries across all sessions.
func (s *Store) GetAllPendingSurveys(userID string) []models.ScheduledSurvey {
	return s.filter(userID, "", true, false)
}

// GetTriggeredSurveys returns the expired entries of one session.
func (s *Store) GetTriggeredSurveys(userID, sessionID string) []models.ScheduledSurvey {
	return s.filter(userID, sessionID, false, true)
}

// GetAllTriggeredSurveys returns the expired entries across all sessions.
func (s *Store) GetAllTriggeredSurveys(userID string) []models.ScheduledSurvey {
	return s.filter(userID, "", true, true)
}

// RemoveScheduled deletes the entry for (ruleID, sessionID). Missing entries are a no-op.
func (s *Store) RemoveScheduled(ruleID, sessionID, userID string) error {
	removed := false
	err := s.docs.Update(userID, func(doc *Document) error {
		before := len(doc.Surveys)
		doc.Surveys = removeEntry(doc.Surveys, ruleID, sessionID)
		removed = len(doc.Surveys) != before
		if !removed {
			return store.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		slog.Error("ScheduleStore.RemoveScheduled: failed to persist", "ruleID", ruleID, "sessionID", sessionID, "error", err)
		return fmt.Errorf("remove scheduled survey %s: %w", ruleID, err)
	}
	if removed {
		slog.Debug("ScheduleStore.RemoveScheduled", "ruleID", ruleID, "sessionID", sessionID)
	}
	return nil
}

// CleanupOldScheduled deletes, for every user, entries scheduled more than
// olderThan ago regardless of trigger state. A non-positive olderThan uses
// DefaultMaxAge. It returns the number of entries removed.
func (s *Store) CleanupOldScheduled(olderThan time.Duration) int {
	if olderThan <= 0 {
		olderThan = DefaultMaxAge
	}
	cutoff := s.now().Add(-olderThan)
	users, err := s.docs.Users()
	if err != nil {
		slog.Error("ScheduleStore.CleanupOldScheduled: failed to list users", "error", err)
		return 0
	}
	total := 0
	for _, userID := range users {
		removed := 0
		err := s.docs.Update(userID, func(doc *Document) error {
			kept := doc.Surveys[:0]
			for _, e := range doc.Surveys {
				if e.ScheduledAt.Before(cutoff) {
					removed++
					continue
				}
				kept = append(kept, e)
			}
			if removed == 0 {
				return store.ErrUnchanged
			}
			doc.Surveys = kept
			return nil
		})
		if err != nil {
			slog.Error("ScheduleStore.CleanupOldScheduled: failed to persist", "userID", userID, "error", err)
			continue
		}
		total += removed
	}
	if total > 0 {
		slog.Info("ScheduleStore.CleanupOldScheduled: removed stale entries", "count", total, "cutoff", cutoff)
	}
	return total
}
