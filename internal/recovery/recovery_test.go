package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// Mock recoverable for testing
type mockRecoverable struct {
	name          string
	recoverError  error
	recoverCalled bool
}

func (m *mockRecoverable) Name() string { return m.name }

func (m *mockRecoverable) Recover(ctx context.Context) error {
	m.recoverCalled = true
	return m.recoverError
}

func TestRecoverAllSuccess(t *testing.T) {
	rm := NewRecoveryManager()
	first := &mockRecoverable{name: "first"}
	second := &mockRecoverable{name: "second"}
	rm.RegisterRecoverable(first)
	rm.RegisterRecoverable(second)

	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if !first.recoverCalled || !second.recoverCalled {
		t.Error("expected every component to be recovered")
	}
	if got := strings.Join(rm.Components(), ","); got != "first,second" {
		t.Errorf("unexpected component order: %s", got)
	}
}

func TestRecoverAllContinuesAfterFailure(t *testing.T) {
	rm := NewRecoveryManager()
	boom := errors.New("boom")
	failing := &mockRecoverable{name: "failing", recoverError: boom}
	after := &mockRecoverable{name: "after"}
	rm.RegisterRecoverable(failing)
	rm.RegisterRecoverable(after)

	err := rm.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("expected error from failing component")
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to wrap the cause, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 errors out of 2 components") {
		t.Errorf("unexpected error message: %v", err)
	}
	if !after.recoverCalled {
		t.Error("a failing component must not stop later ones")
	}
}

func TestRecoverAllCancelledContext(t *testing.T) {
	rm := NewRecoveryManager()
	m := &mockRecoverable{name: "never"}
	rm.RegisterRecoverable(m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rm.RecoverAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m.recoverCalled {
		t.Error("component should not run after cancellation")
	}
}

func TestFunc(t *testing.T) {
	called := 0
	r := Func("cleanup", func(ctx context.Context) error {
		called++
		return nil
	})
	if r.Name() != "cleanup" {
		t.Errorf("unexpected name %q", r.Name())
	}
	rm := NewRecoveryManager()
	rm.RegisterRecoverable(r)
	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}
	if called != 1 {
		t.Errorf("expected func to run once, ran %d times", called)
	}
}

func TestRecoverAllEmpty(t *testing.T) {
	if err := NewRecoveryManager().RecoverAll(context.Background()); err != nil {
		t.Fatalf("empty manager should succeed: %v", err)
	}
}
