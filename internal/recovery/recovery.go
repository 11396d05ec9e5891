// Package recovery runs registered startup recovery steps so SurveyPipe can
// resume cleanly after a restart: restoring delayed surveys and pruning state
// left behind by the previous process.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable defines the interface for components that restore state at startup.
type Recoverable interface {
	// Name identifies the component in logs and errors.
	Name() string
	// Recover is called once during application startup.
	Recover(ctx context.Context) error
}

type recoverFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (r recoverFunc) Name() string                      { return r.name }
func (r recoverFunc) Recover(ctx context.Context) error { return r.fn(ctx) }

// Func adapts a function to Recoverable.
func Func(name string, fn func(ctx context.Context) error) Recoverable {
	return recoverFunc{name: name, fn: fn}
}

// RecoveryManager orchestrates recovery of all registered components in
// registration order.
type RecoveryManager struct {
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{recoverables: make([]Recoverable, 0)}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// Components returns the registered component names in order.
func (rm *RecoveryManager) Components() []string {
	names := make([]string, 0, len(rm.recoverables))
	for _, r := range rm.recoverables {
		names = append(names, r.Name())
	}
	return names
}

// RecoverAll runs every component. A failing component does not stop the
// others; all failures are joined into the returned error.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	var errs []error

	for _, recoverable := range rm.recoverables {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("recovery aborted before %s: %w", recoverable.Name(), err))
			break
		}
		start := time.Now()
		if err := recoverable.Recover(ctx); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", recoverable.Name())
			errs = append(errs, fmt.Errorf("%s: %w", recoverable.Name(), err))
			continue
		}
		slog.Debug("Component recovered", "component", recoverable.Name(), "duration", time.Since(start))
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", len(errs))

	if len(errs) > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components: %w",
			len(errs), len(rm.recoverables), errors.Join(errs...))
	}
	return nil
}
