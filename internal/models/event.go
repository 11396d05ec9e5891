package models

import "time"

// Event is a recorded occurrence. Events are created once and never mutated.
type Event struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Timestamp  time.Time  `json:"timestamp"`
	Properties Properties `json:"properties,omitempty"`
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id,omitempty"` // empty for anonymous sessions
}

// Property looks up a property by key.
func (e Event) Property(key string) (EventValue, bool) {
	v, ok := e.Properties[key]
	return v, ok
}

// EventSession is the envelope events are recorded under.
type EventSession struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id,omitempty"` // empty means anonymous
	Metadata  Properties `json:"metadata,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// IsAnonymous reports whether the session has no user attached.
func (s EventSession) IsAnonymous() bool {
	return s.UserID == ""
}

// IsEnded reports whether the session has been closed.
func (s EventSession) IsEnded() bool {
	return s.EndedAt != nil
}

// Side-effect event names recorded by the survey orchestrator.
const (
	EventSurveyPresented = "survey_presented"
	EventSurveyCompleted = "survey_completed"
	EventSurveyDismissed = "survey_dismissed"
)
