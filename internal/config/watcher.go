package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// DefaultDebounce batches the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a configuration file when it changes and hands every valid
// version to onChange. Invalid versions are logged and the previous
// configuration stays in effect.
type Watcher struct {
	path     string
	onChange func(models.SurveyConfig)
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	reloads int
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, onChange func(models.SurveyConfig)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		debounce: DefaultDebounce,
		watcher:  fw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start watches the file's directory, so replace-by-rename saves are seen.
// It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	slog.Info("ConfigWatcher: watching", "path", w.path)
	go w.run(ctx)
	return nil
}

// Run starts watching and blocks until ctx is done, then stops.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-w.doneCh:
	}
	w.Stop()
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		slog.Warn("ConfigWatcher: error closing watcher", "error", err)
	}
	slog.Info("ConfigWatcher: stopped", "path", w.path)
}

// Reloads returns how many valid configurations have been delivered.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounce := time.NewTimer(w.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			slog.Debug("ConfigWatcher: change detected", "op", event.Op.String())
			debounce.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("ConfigWatcher: watcher error", "error", err)
		case <-debounce.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("ConfigWatcher: keeping previous configuration", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	slog.Info("ConfigWatcher: configuration reloaded", "path", w.path, "rules", len(cfg.Surveys))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
