// Package session owns the current event session, records events into the
// event store and republishes them to subscribers in recording order.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/store"
	"github.com/BTreeMap/SurveyPipe/internal/util"
)

// Opts holds optional configuration for a Coordinator.
type Opts struct {
	Now   func() time.Time
	NewID util.IDGenerator
}

// Option configures a Coordinator.
type Option func(*Opts)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithIDGenerator overrides how session and event ids are generated.
func WithIDGenerator(gen util.IDGenerator) Option {
	return func(o *Opts) {
		o.NewID = gen
	}
}

// Coordinator is the single owner of the current-session pointer.
type Coordinator struct {
	events store.EventStore
	now    func() time.Time
	newID  util.IDGenerator

	mu        sync.Mutex
	current   *models.EventSession
	subs      map[*Subscription]struct{}
	listeners []func(models.EventSession)
}

// NewCoordinator creates a coordinator recording into events.
func NewCoordinator(events store.EventStore, opts ...Option) *Coordinator {
	cfg := Opts{Now: time.Now, NewID: util.NewID}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Coordinator{
		events: events,
		now:    cfg.Now,
		newID:  cfg.NewID,
		subs:   make(map[*Subscription]struct{}),
	}
}

// OnSessionStart registers fn to be called after every session start,
// including the implicit anonymous start. fn runs outside the coordinator lock.
func (c *Coordinator) OnSessionStart(fn func(models.EventSession)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) notifyStart(sess models.EventSession) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(sess)
	}
}

// StartSession ends the current session, if any, and makes a new one current.
// An empty userID starts an anonymous session.
func (c *Coordinator) StartSession(ctx context.Context, userID string, metadata models.Properties) (models.EventSession, error) {
	c.mu.Lock()
	sess, err := c.startLocked(ctx, userID, metadata)
	c.mu.Unlock()
	// The session is current even if persisting it failed.
	c.notifyStart(sess)
	return sess, err
}

func (c *Coordinator) startLocked(ctx context.Context, userID string, metadata models.Properties) (models.EventSession, error) {
	if err := c.endLocked(ctx); err != nil {
		slog.Warn("SessionCoordinator.StartSession: failed to persist end of previous session", "error", err)
	}
	sess := models.EventSession{
		ID:        c.newID(),
		UserID:    userID,
		Metadata:  metadata.Clone(),
		StartedAt: c.now(),
	}
	c.current = &sess
	if err := c.events.SaveSession(ctx, sess); err != nil {
		slog.Error("SessionCoordinator.StartSession: failed to persist session", "sessionID", sess.ID, "error", err)
		return sess, fmt.Errorf("failed to persist session %s: %w", sess.ID, err)
	}
	slog.Info("SessionCoordinator: session started", "sessionID", sess.ID, "userID", userID, "anonymous", sess.IsAnonymous())
	return sess, nil
}

// EndSession closes the current session. It is a no-op without one.
func (c *Coordinator) EndSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endLocked(ctx)
}

func (c *Coordinator) endLocked(ctx context.Context) error {
	if c.current == nil {
		return nil
	}
	ended := *c.current
	c.current = nil
	now := c.now()
	ended.EndedAt = &now
	if err := c.events.SaveSession(ctx, ended); err != nil {
		return fmt.Errorf("failed to persist end of session %s: %w", ended.ID, err)
	}
	slog.Info("SessionCoordinator: session ended", "sessionID", ended.ID)
	return nil
}

// CurrentSession returns the current session, if any.
func (c *Coordinator) CurrentSession() (models.EventSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return models.EventSession{}, false
	}
	return *c.current, true
}

// CurrentUserID returns the user of the current session, or "" when anonymous
// or without a session.
func (c *Coordinator) CurrentUserID() string {
	sess, _ := c.CurrentSession()
	return sess.UserID
}

// RecordEvent stamps and persists an event in the current session, starting an
// anonymous session first if none is current, and publishes it to subscribers.
// The event is published even when persisting it fails.
func (c *Coordinator) RecordEvent(ctx context.Context, name string, props models.Properties) (models.Event, error) {
	c.mu.Lock()
	var started *models.EventSession
	if c.current == nil {
		sess, err := c.startLocked(ctx, "", nil)
		if err != nil {
			slog.Warn("SessionCoordinator.RecordEvent: anonymous session not persisted", "error", err)
		}
		started = &sess
	}
	sess := *c.current
	e := models.Event{
		ID:         c.newID(),
		Name:       name,
		Timestamp:  c.now(),
		Properties: props.Clone(),
		SessionID:  sess.ID,
		UserID:     sess.UserID,
	}
	err := c.events.AppendEvent(ctx, e)
	for sub := range c.subs {
		sub.push(e)
	}
	c.mu.Unlock()

	if started != nil {
		c.notifyStart(*started)
	}
	if err != nil {
		slog.Error("SessionCoordinator.RecordEvent: failed to persist event", "event", name, "sessionID", sess.ID, "error", err)
		return e, fmt.Errorf("failed to persist event %s: %w", name, err)
	}
	slog.Debug("SessionCoordinator.RecordEvent", "event", name, "sessionID", sess.ID)
	return e, nil
}

// Subscribe returns a new subscription receiving every event recorded from now on.
func (c *Coordinator) Subscribe() *Subscription {
	sub := newSubscription(c)
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub
}

func (c *Coordinator) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

// Replay returns the recorded events of a session in order.
func (c *Coordinator) Replay(ctx context.Context, sessionID string) ([]models.Event, error) {
	return c.events.Events(ctx, sessionID)
}

// Sessions lists every stored session.
func (c *Coordinator) Sessions(ctx context.Context) ([]models.EventSession, error) {
	return c.events.Sessions(ctx)
}

// Close closes all subscriptions. The event store is owned by the caller.
func (c *Coordinator) Close() {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
