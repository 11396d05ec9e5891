package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	holder, err := ReadHolder(dir)
	if err != nil {
		t.Fatalf("ReadHolder: %v", err)
	}
	if holder.PID != os.Getpid() || !holder.Running {
		t.Errorf("expected our own running pid, got %+v", holder)
	}
	if holder.StartedAt.IsZero() || time.Since(holder.StartedAt) > time.Minute {
		t.Errorf("unexpected start time %v", holder.StartedAt)
	}
}

func TestLockConflictKeepsHolderInfo(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatalf("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("failed attempt must not erase the holder pid: %+v", lockErr.Holder)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another SurveyPipe instance") || !strings.Contains(msg, dir) {
		t.Errorf("unhelpful error message: %s", msg)
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	defer again.Release()
}

func TestStaleLockFileIsReused(t *testing.T) {
	dir := t.TempDir()
	stale := "pid=999999\nstarted=2020-01-01T00:00:00Z\n"
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte(stale), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("an unlocked stale file must not block: %v", err)
	}
	defer lock.Release()

	holder, err := ReadHolder(dir)
	if err != nil {
		t.Fatal(err)
	}
	if holder.PID != os.Getpid() {
		t.Errorf("stale content should be replaced, got %+v", holder)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		started bool
	}{
		{"pid and start", "pid=12345\nstarted=2025-01-02T03:04:05Z\n", 12345, true},
		{"pid only", "pid=67890\n", 67890, false},
		{"extra keys", "other=info\npid=42", 42, false},
		{"no pid", "other=info", 0, false},
		{"empty", "", 0, false},
		{"invalid pid", "pid=abc", 0, false},
		{"negative pid", "pid=-3", 0, false},
		{"no equals", "pid12345", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := parseHolder(tt.content)
			if h.PID != tt.pid {
				t.Errorf("parseHolder(%q).PID = %d, want %d", tt.content, h.PID, tt.pid)
			}
			if h.StartedAt.IsZero() == tt.started {
				t.Errorf("parseHolder(%q).StartedAt = %v", tt.content, h.StartedAt)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("zero holder: %q", got)
	}
	if got := (Holder{PID: 7, Running: true}).String(); got != "PID 7 (running)" {
		t.Errorf("running holder: %q", got)
	}
	if got := (Holder{PID: 7}).String(); !strings.Contains(got, "stale") {
		t.Errorf("stale holder: %q", got)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
}

func TestNonExistentDirectoryIsCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Directory should have been created: %v", err)
	}
}
