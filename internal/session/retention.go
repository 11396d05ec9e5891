package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// RetentionPolicy bounds how many stored sessions are kept. Zero fields are unbounded.
type RetentionPolicy struct {
	MaxAge      time.Duration
	MaxSessions int
}

func referenceTime(s models.EventSession) time.Time {
	if s.EndedAt != nil {
		return *s.EndedAt
	}
	return s.StartedAt
}

// CleanupSessions deletes stored sessions outside policy, oldest first. The
// current session is never deleted and counts towards MaxSessions.
func (c *Coordinator) CleanupSessions(ctx context.Context, policy RetentionPolicy) (int, error) {
	sessions, err := c.events.Sessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	current, hasCurrent := c.CurrentSession()

	var candidates []models.EventSession
	for _, s := range sessions {
		if hasCurrent && s.ID == current.ID {
			continue
		}
		candidates = append(candidates, s)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return referenceTime(candidates[i]).Before(referenceTime(candidates[j]))
	})

	doomed := make(map[string]bool)
	if policy.MaxAge > 0 {
		cutoff := c.now().Add(-policy.MaxAge)
		for _, s := range candidates {
			if referenceTime(s).Before(cutoff) {
				doomed[s.ID] = true
			}
		}
	}
	if policy.MaxSessions > 0 {
		remaining := len(sessions) - len(doomed)
		for _, s := range candidates {
			if remaining <= policy.MaxSessions {
				break
			}
			if doomed[s.ID] {
				continue
			}
			doomed[s.ID] = true
			remaining--
		}
	}

	deleted := 0
	for _, s := range candidates {
		if !doomed[s.ID] {
			continue
		}
		if err := c.events.DeleteSession(ctx, s.ID); err != nil {
			slog.Error("SessionCoordinator.CleanupSessions: delete failed", "sessionID", s.ID, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		slog.Info("SessionCoordinator.CleanupSessions: removed sessions", "count", deleted)
	}
	return deleted, nil
}
