// Package notify defines the notification delivery collaborator used for
// delayed surveys. Delivery is best effort and never blocks survey logic.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// Notifier schedules and cancels out-of-band reminders for a delayed survey.
type Notifier interface {
	Schedule(ruleID, sessionID string, cfg models.NotificationConfig, delay time.Duration)
	Cancel(ruleID, sessionID string)
}

// Noop discards every request.
type Noop struct{}

func (Noop) Schedule(string, string, models.NotificationConfig, time.Duration) {}
func (Noop) Cancel(string, string)                                             {}

// Pending is a notification a LogNotifier has accepted and not yet cancelled.
type Pending struct {
	RuleID    string
	SessionID string
	Config    models.NotificationConfig
	DueAt     time.Time
}

// LogNotifier records requests in memory and logs them. Hosts without a
// delivery channel use it to observe what would have been sent.
type LogNotifier struct {
	mu      sync.Mutex
	pending map[[2]string]Pending
	now     func() time.Time
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{pending: make(map[[2]string]Pending), now: time.Now}
}

func (n *LogNotifier) Schedule(ruleID, sessionID string, cfg models.NotificationConfig, delay time.Duration) {
	p := Pending{RuleID: ruleID, SessionID: sessionID, Config: cfg, DueAt: n.now().Add(delay)}
	n.mu.Lock()
	n.pending[[2]string{ruleID, sessionID}] = p
	n.mu.Unlock()
	slog.Info("LogNotifier.Schedule", "ruleID", ruleID, "sessionID", sessionID, "title", cfg.Title, "dueAt", p.DueAt)
}

func (n *LogNotifier) Cancel(ruleID, sessionID string) {
	n.mu.Lock()
	_, ok := n.pending[[2]string{ruleID, sessionID}]
	delete(n.pending, [2]string{ruleID, sessionID})
	n.mu.Unlock()
	if ok {
		slog.Info("LogNotifier.Cancel", "ruleID", ruleID, "sessionID", sessionID)
	}
}

// Pending returns the accepted, uncancelled notifications.
func (n *LogNotifier) Pending() []Pending {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Pending, 0, len(n.pending))
	for _, p := range n.pending {
		out = append(out, p)
	}
	return out
}
