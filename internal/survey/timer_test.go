package survey

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDelayTimersReplaceSameKey(t *testing.T) {
	timers := newDelayTimers()
	defer timers.stop()

	var first, second atomic.Int32
	key := timerKey{RuleID: "r", SessionID: "s"}
	timers.scheduleAfter(key, 20*time.Millisecond, func() { first.Add(1) })
	timers.scheduleAfter(key, 20*time.Millisecond, func() { second.Add(1) })

	if got := len(timers.active()); got != 1 {
		t.Fatalf("expected 1 active timer, got %d", got)
	}
	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 {
		t.Errorf("expected only the replacement to fire, got first=%d second=%d", first.Load(), second.Load())
	}
}

func TestDelayTimersCancel(t *testing.T) {
	timers := newDelayTimers()
	defer timers.stop()

	var fired atomic.Int32
	timers.scheduleAfter(timerKey{RuleID: "a", SessionID: "s1"}, 20*time.Millisecond, func() { fired.Add(1) })
	timers.scheduleAfter(timerKey{RuleID: "a", SessionID: "s2"}, 20*time.Millisecond, func() { fired.Add(1) })
	timers.scheduleAfter(timerKey{RuleID: "b", SessionID: "s1"}, 20*time.Millisecond, func() { fired.Add(1) })

	timers.cancel(timerKey{RuleID: "b", SessionID: "s1"})
	timers.cancelRule("a")
	if got := len(timers.active()); got != 0 {
		t.Fatalf("expected no active timers, got %d", got)
	}
	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("cancelled timers fired %d times", fired.Load())
	}
}

func TestDelayTimersStop(t *testing.T) {
	timers := newDelayTimers()
	var fired atomic.Int32
	timers.scheduleAfter(timerKey{RuleID: "a"}, 10*time.Millisecond, func() { fired.Add(1) })
	timers.stop()

	if timers.scheduleAfter(timerKey{RuleID: "b"}, 0, func() { fired.Add(1) }) {
		t.Error("expected scheduleAfter to refuse after stop")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("expected nothing to fire after stop, got %d", fired.Load())
	}
}

func TestDelayTimersActiveRemaining(t *testing.T) {
	timers := newDelayTimers()
	defer timers.stop()
	timers.scheduleAfter(timerKey{RuleID: "a", SessionID: "s"}, time.Minute, func() {})

	active := timers.active()
	if len(active) != 1 {
		t.Fatalf("expected 1 active timer, got %d", len(active))
	}
	if active[0].Remaining <= 0 || active[0].Remaining > time.Minute {
		t.Errorf("unexpected remaining %v", active[0].Remaining)
	}
}
