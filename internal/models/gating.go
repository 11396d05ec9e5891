package models

import "time"

// GatingRecord is the per-user, per-rule bookkeeping kept by the gating store.
// CompletedOnce is set exactly once and never cleared.
type GatingRecord struct {
	LastShownAt   time.Time `json:"lastShownAt"`
	ShownOnce     bool      `json:"shownOnce"`
	AttemptCount  int       `json:"attemptCount"`
	CompletedOnce bool      `json:"completedOnce"`
}

// GatingPolicy carries the rule parameters consulted by canShow.
// Nil pointers mean "not configured".
type GatingPolicy struct {
	OncePerUser     bool
	Cooldown        *time.Duration
	MaxAttempts     *int
	AttemptCooldown *time.Duration
}

// EffectiveCooldown prefers the attempt cooldown and falls back to the plain cooldown.
func (p GatingPolicy) EffectiveCooldown() (time.Duration, bool) {
	if p.AttemptCooldown != nil {
		return *p.AttemptCooldown, true
	}
	if p.Cooldown != nil {
		return *p.Cooldown, true
	}
	return 0, false
}

// ScheduledSurvey is a survey presentation deferred to TriggerAt.
// SessionID is the session active at scheduling time and never changes afterwards.
type ScheduledSurvey struct {
	RuleID      string    `json:"ruleId"`
	UserID      string    `json:"userId,omitempty"`
	SessionID   string    `json:"sessionId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	TriggerAt   time.Time `json:"triggerAt"`
}

// IsExpired reports whether now is past TriggerAt.
func (s ScheduledSurvey) IsExpired(now time.Time) bool {
	return now.After(s.TriggerAt)
}

// RemainingDelay is TriggerAt-now clamped to zero.
func (s ScheduledSurvey) RemainingDelay(now time.Time) time.Duration {
	d := s.TriggerAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
