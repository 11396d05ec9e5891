package survey

import (
	"log/slog"
	"sync"
	"time"
)

// timerKey identifies an armed delay by rule and the session it was scheduled in.
type timerKey struct {
	RuleID    string
	SessionID string
}

type timerEntry struct {
	id          int64
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
}

// TimerInfo describes an armed delay timer.
type TimerInfo struct {
	RuleID      string
	SessionID   string
	ScheduledAt time.Time
	ExpiresAt   time.Time
	Remaining   time.Duration
}

// delayTimers holds at most one in-process timer per (rule, session). A timer
// cancelled or replaced after it has already fired does not run its function.
type delayTimers struct {
	mu      sync.Mutex
	timers  map[timerKey]*timerEntry
	nextID  int64
	stopped bool
	running sync.WaitGroup
}

func newDelayTimers() *delayTimers {
	return &delayTimers{timers: make(map[timerKey]*timerEntry)}
}

// scheduleAfter arms fn after delay, replacing any timer for key.
func (t *delayTimers) scheduleAfter(key timerKey, delay time.Duration, fn func()) bool {
	if delay < 0 {
		delay = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		slog.Debug("delayTimers.scheduleAfter: stopped, not arming", "ruleID", key.RuleID, "sessionID", key.SessionID)
		return false
	}
	if old, ok := t.timers[key]; ok {
		old.timer.Stop()
	}
	t.nextID++
	id := t.nextID
	now := time.Now()
	entry := &timerEntry{id: id, scheduledAt: now, expiresAt: now.Add(delay)}
	entry.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		cur, ok := t.timers[key]
		if !ok || cur.id != id || t.stopped {
			t.mu.Unlock()
			return
		}
		delete(t.timers, key)
		t.running.Add(1)
		t.mu.Unlock()

		defer t.running.Done()
		slog.Debug("delayTimers: firing", "ruleID", key.RuleID, "sessionID", key.SessionID)
		fn()
	})
	t.timers[key] = entry
	slog.Debug("delayTimers.scheduleAfter", "ruleID", key.RuleID, "sessionID", key.SessionID, "delay", delay)
	return true
}

// cancel disarms the timer for key, if any.
func (t *delayTimers) cancel(key timerKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.timers[key]; ok {
		entry.timer.Stop()
		delete(t.timers, key)
		slog.Debug("delayTimers.cancel", "ruleID", key.RuleID, "sessionID", key.SessionID)
	}
}

// cancelRule disarms every timer of ruleID across sessions.
func (t *delayTimers) cancelRule(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.timers {
		if key.RuleID == ruleID {
			entry.timer.Stop()
			delete(t.timers, key)
		}
	}
}

// cancelAll disarms every timer. Functions already running are not waited for.
func (t *delayTimers) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	if n := len(t.timers); n > 0 {
		slog.Debug("delayTimers.cancelAll", "count", n)
	}
	t.timers = make(map[timerKey]*timerEntry)
}

// stop disarms every timer, refuses new ones and waits for running functions.
// It must not be called from inside a timer function.
func (t *delayTimers) stop() {
	t.mu.Lock()
	t.stopped = true
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	t.timers = make(map[timerKey]*timerEntry)
	t.mu.Unlock()
	t.running.Wait()
}

func (t *delayTimers) active() []TimerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	result := make([]TimerInfo, 0, len(t.timers))
	for key, entry := range t.timers {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, TimerInfo{
			RuleID:      key.RuleID,
			SessionID:   key.SessionID,
			ScheduledAt: entry.scheduledAt,
			ExpiresAt:   entry.expiresAt,
			Remaining:   remaining,
		})
	}
	return result
}
