// Package survey matches recorded events against survey rules, consults the
// gating store, arms delayed presentations and tells the host what to present.
package survey

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/notify"
)

// GatingStore decides whether a rule may be presented and records attempts.
type GatingStore interface {
	CanShow(ruleID, userID string, policy models.GatingPolicy) bool
	MarkShown(ruleID, userID string)
	MarkCompleted(ruleID, userID string)
}

// ScheduleStore persists delayed presentations across restarts.
type ScheduleStore interface {
	ScheduleForLater(ruleID, userID, sessionID string, delay time.Duration) (models.ScheduledSurvey, error)
	GetAllPendingSurveys(userID string) []models.ScheduledSurvey
	GetAllTriggeredSurveys(userID string) []models.ScheduledSurvey
	RemoveScheduled(ruleID, sessionID, userID string) error
}

// SessionSource exposes the current session. The orchestrator never mutates it.
type SessionSource interface {
	CurrentSession() (models.EventSession, bool)
}

// EventRecorder records the orchestrator's side-effect events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, name string, props models.Properties) (models.Event, error)
}

// Presentation asks the host to show a rule now.
type Presentation struct {
	Rule      models.SurveyRule
	SessionID string
	UserID    string
	// Recovered is set when the presentation comes from a schedule restored
	// after a session change or restart.
	Recovered bool
}

// Presenter receives presentations. It is called without internal locks held.
type Presenter interface {
	Present(p Presentation)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(Presentation)

func (f PresenterFunc) Present(p Presentation) { f(p) }

// Opts holds optional configuration for an Orchestrator.
type Opts struct {
	Now      func() time.Time
	Notifier notify.Notifier
	Recorder EventRecorder
}

// Option configures an Orchestrator.
type Option func(*Opts)

// WithClock overrides the time source used for remaining-delay math.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Opts) {
		o.Notifier = n
	}
}

// WithRecorder sets where survey_presented, survey_completed and
// survey_dismissed events are recorded.
func WithRecorder(r EventRecorder) Option {
	return func(o *Opts) {
		o.Recorder = r
	}
}

// Orchestrator is the trigger evaluation state machine. Events are processed
// one at a time in arrival order.
type Orchestrator struct {
	gating    GatingStore
	schedules ScheduleStore
	sessions  SessionSource
	presenter Presenter
	notifier  notify.Notifier
	recorder  EventRecorder
	now       func() time.Time
	timers    *delayTimers

	mu            sync.Mutex
	config        models.SurveyConfig
	lastSessionID string
	shown         map[string]bool
	awaiting      map[string]presented
}

// presented is the session and user a survey awaiting an answer was shown to.
type presented struct {
	SessionID string
	UserID    string
}

// NewOrchestrator creates an orchestrator. Call Start to run the initial restoration.
func NewOrchestrator(cfg models.SurveyConfig, gating GatingStore, schedules ScheduleStore, sessions SessionSource, presenter Presenter, opts ...Option) *Orchestrator {
	o := Opts{Now: time.Now, Notifier: notify.Noop{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Notifier == nil {
		o.Notifier = notify.Noop{}
	}
	return &Orchestrator{
		gating:    gating,
		schedules: schedules,
		sessions:  sessions,
		presenter: presenter,
		notifier:  o.Notifier,
		recorder:  o.Recorder,
		now:       o.Now,
		timers:    newDelayTimers(),
		config:    cfg,
		shown:     make(map[string]bool),
		awaiting:  make(map[string]presented),
	}
}

// effects collects work that must run after the orchestrator lock is released.
type effects struct {
	presentations []Presentation
	schedules     []scheduledNotification
	cancels       []timerKey
	events        []sideEvent
}

type scheduledNotification struct {
	key   timerKey
	cfg   models.NotificationConfig
	delay time.Duration
}

type sideEvent struct {
	name  string
	props models.Properties
}

func (o *Orchestrator) flush(ctx context.Context, out effects) {
	for _, n := range out.schedules {
		o.notifier.Schedule(n.key.RuleID, n.key.SessionID, n.cfg, n.delay)
	}
	for _, key := range out.cancels {
		o.notifier.Cancel(key.RuleID, key.SessionID)
	}
	for _, p := range out.presentations {
		slog.Info("Orchestrator: presenting survey", "ruleID", p.Rule.ID, "sessionID", p.SessionID, "recovered", p.Recovered)
		if o.presenter != nil {
			o.presenter.Present(p)
		}
	}
	if o.recorder == nil {
		return
	}
	for _, e := range out.events {
		if _, err := o.recorder.RecordEvent(ctx, e.name, e.props); err != nil {
			slog.Warn("Orchestrator: failed to record side-effect event", "event", e.name, "error", err)
		}
	}
}

// Start runs restoration for the current session, or for the anonymous user
// when no session exists yet.
func (o *Orchestrator) Start(ctx context.Context) error {
	sess, ok := o.sessions.CurrentSession()
	var out effects
	o.mu.Lock()
	if ok {
		o.enterSessionLocked(sess.ID, sess.UserID, &out)
	} else {
		o.restoreLocked("", &out)
	}
	o.mu.Unlock()
	o.flush(ctx, out)
	return nil
}

// Recover implements recovery.Recoverable.
func (o *Orchestrator) Recover(ctx context.Context) error {
	return o.Start(ctx)
}

// Name identifies the orchestrator to the recovery manager.
func (o *Orchestrator) Name() string {
	return "survey-orchestrator"
}

// UpdateConfig swaps the rule set. Armed timers of removed rules are skipped when they fire.
func (o *Orchestrator) UpdateConfig(cfg models.SurveyConfig) {
	o.mu.Lock()
	o.config = cfg
	o.mu.Unlock()
	slog.Info("Orchestrator: configuration updated", "rules", len(cfg.Surveys))
}

// SessionStarted resets per-session state and runs restoration for sess.
func (o *Orchestrator) SessionStarted(ctx context.Context, sess models.EventSession) {
	var out effects
	o.mu.Lock()
	o.enterSessionLocked(sess.ID, sess.UserID, &out)
	o.mu.Unlock()
	o.flush(ctx, out)
}

// enterSessionLocked handles a session change. It is a no-op for the session
// already being processed.
func (o *Orchestrator) enterSessionLocked(sessionID, userID string, out *effects) {
	if sessionID == o.lastSessionID {
		return
	}
	slog.Debug("Orchestrator: new session", "previous", o.lastSessionID, "sessionID", sessionID)
	o.lastSessionID = sessionID
	o.shown = make(map[string]bool)
	// Persisted entries stay; restoration re-arms or presents them.
	o.timers.cancelAll()
	o.restoreLocked(userID, out)
}

// restoreLocked presents at most one expired schedule of userID. When none is
// presented every pending schedule is re-armed under its original session.
func (o *Orchestrator) restoreLocked(userID string, out *effects) {
	for _, entry := range o.schedules.GetAllTriggeredSurveys(userID) {
		if o.presentDueLocked(entry, userID, true, out) {
			return
		}
	}
	now := o.now()
	for _, entry := range o.schedules.GetAllPendingSurveys(userID) {
		if _, ok := o.config.Rule(entry.RuleID); !ok {
			slog.Debug("Orchestrator: skipping schedule of unknown rule", "ruleID", entry.RuleID, "sessionID", entry.SessionID)
			continue
		}
		o.armLocked(entry, entry.RemainingDelay(now))
	}
}

// HandleEvent evaluates one event. Only the first eligible, matching and
// permitted rule activates. Events of a session that is no longer current are
// dropped; they may still be queued when the host switches sessions.
func (o *Orchestrator) HandleEvent(ctx context.Context, e models.Event) {
	sess, ok := o.sessions.CurrentSession()
	if !ok || sess.ID != e.SessionID {
		slog.Debug("Orchestrator.HandleEvent: dropping event of a stale session", "event", e.Name, "sessionID", e.SessionID, "current", sess.ID)
		return
	}
	e.UserID = sess.UserID
	var out effects
	o.mu.Lock()
	o.enterSessionLocked(sess.ID, sess.UserID, &out)
	o.evaluateLocked(e, &out)
	o.mu.Unlock()
	o.flush(ctx, out)
}

func (o *Orchestrator) evaluateLocked(e models.Event, out *effects) {
	for _, rule := range o.config.Surveys {
		if rule.OncePerSession && o.shown[rule.ID] {
			continue
		}
		if !rule.Trigger.Matches(e) {
			continue
		}
		if !o.gating.CanShow(rule.ID, e.UserID, rule.GatingPolicy()) {
			slog.Debug("Orchestrator: rule gated", "ruleID", rule.ID, "userID", e.UserID)
			continue
		}
		if delay := rule.Trigger.Delay(); delay > 0 {
			o.scheduleLocked(rule, e.UserID, e.SessionID, delay, out)
		} else {
			o.presentLocked(rule, nil, e.UserID, false, out)
		}
		return
	}
}

func (o *Orchestrator) scheduleLocked(rule models.SurveyRule, userID, sessionID string, delay time.Duration, out *effects) {
	entry, err := o.schedules.ScheduleForLater(rule.ID, userID, sessionID, delay)
	if err != nil {
		// The in-process timer still fires; only restart durability is lost.
		slog.Warn("Orchestrator: schedule not persisted", "ruleID", rule.ID, "error", err)
	}
	o.armLocked(entry, delay)
	if rule.Notification != nil {
		out.schedules = append(out.schedules, scheduledNotification{
			key:   timerKey{RuleID: rule.ID, SessionID: sessionID},
			cfg:   *rule.Notification,
			delay: delay,
		})
	}
	slog.Info("Orchestrator: survey scheduled", "ruleID", rule.ID, "sessionID", sessionID, "delay", delay)
}

func (o *Orchestrator) armLocked(entry models.ScheduledSurvey, delay time.Duration) {
	key := timerKey{RuleID: entry.RuleID, SessionID: entry.SessionID}
	o.timers.scheduleAfter(key, delay, func() { o.fire(entry) })
}

// fire runs when a delay expires. A session change observed first takes the
// restoration path, which also covers this entry.
func (o *Orchestrator) fire(entry models.ScheduledSurvey) {
	sess, ok := o.sessions.CurrentSession()
	if !ok {
		slog.Debug("Orchestrator: timer fired without a session, leaving schedule", "ruleID", entry.RuleID)
		return
	}
	var out effects
	o.mu.Lock()
	if sess.ID != o.lastSessionID {
		o.enterSessionLocked(sess.ID, sess.UserID, &out)
	} else {
		o.presentDueLocked(entry, sess.UserID, entry.SessionID != sess.ID, &out)
	}
	o.mu.Unlock()
	o.flush(context.Background(), out)
}

// presentDueLocked re-checks liveness and gating for a scheduled entry and
// presents it. Entries that can never be shown again are removed; entries of
// another user or an unknown rule are left for cleanup.
func (o *Orchestrator) presentDueLocked(entry models.ScheduledSurvey, userID string, recovered bool, out *effects) bool {
	if entry.UserID != userID {
		slog.Debug("Orchestrator: schedule belongs to another user", "ruleID", entry.RuleID)
		return false
	}
	rule, ok := o.config.Rule(entry.RuleID)
	if !ok {
		slog.Debug("Orchestrator: skipping schedule of unknown rule", "ruleID", entry.RuleID, "sessionID", entry.SessionID)
		return false
	}
	if (rule.OncePerSession && o.shown[rule.ID]) || !o.gating.CanShow(rule.ID, userID, rule.GatingPolicy()) {
		slog.Info("Orchestrator: dropping schedule no longer eligible", "ruleID", rule.ID, "sessionID", entry.SessionID)
		o.removeScheduleLocked(rule.ID, entry.SessionID, entry.UserID, out)
		return false
	}
	o.presentLocked(rule, &entry, userID, recovered, out)
	return true
}

func (o *Orchestrator) removeScheduleLocked(ruleID, sessionID, userID string, out *effects) {
	if err := o.schedules.RemoveScheduled(ruleID, sessionID, userID); err != nil {
		slog.Warn("Orchestrator: failed to remove schedule", "ruleID", ruleID, "sessionID", sessionID, "error", err)
	}
	key := timerKey{RuleID: ruleID, SessionID: sessionID}
	o.timers.cancel(key)
	out.cancels = append(out.cancels, key)
}

// presentLocked performs the presentation bookkeeping. entry is the schedule
// being consumed, nil for an immediate presentation; it is removed by its
// stored session id.
func (o *Orchestrator) presentLocked(rule models.SurveyRule, entry *models.ScheduledSurvey, userID string, recovered bool, out *effects) {
	o.shown[rule.ID] = true
	o.gating.MarkShown(rule.ID, userID)
	if entry != nil {
		o.removeScheduleLocked(rule.ID, entry.SessionID, entry.UserID, out)
	}
	o.awaiting[rule.ID] = presented{SessionID: o.lastSessionID, UserID: userID}
	out.presentations = append(out.presentations, Presentation{
		Rule:      rule,
		SessionID: o.lastSessionID,
		UserID:    userID,
		Recovered: recovered,
	})
	out.events = append(out.events, sideEvent{
		name: models.EventSurveyPresented,
		props: models.Properties{
			"rule_id":   models.StringValue(rule.ID),
			"recovered": models.BoolValue(recovered),
		},
	})
}

func (o *Orchestrator) currentUser() (sessionID, userID string) {
	if sess, ok := o.sessions.CurrentSession(); ok {
		return sess.ID, sess.UserID
	}
	return o.lastSessionID, ""
}

// CompleteSurvey records a successful submission of ruleID with its wire-format
// payload. The rule is permanently disabled for the user it was presented to,
// or for the current user when no presentation of ruleID is awaiting an answer.
func (o *Orchestrator) CompleteSurvey(ctx context.Context, ruleID, payload string) {
	sessionID, userID := o.currentUser()
	var out effects
	o.mu.Lock()
	if p, ok := o.awaiting[ruleID]; ok {
		sessionID, userID = p.SessionID, p.UserID
	}
	o.gating.MarkCompleted(ruleID, userID)
	if err := o.schedules.RemoveScheduled(ruleID, sessionID, userID); err != nil {
		slog.Warn("Orchestrator.CompleteSurvey: failed to remove schedule", "ruleID", ruleID, "error", err)
	}
	o.timers.cancelRule(ruleID)
	out.cancels = append(out.cancels, timerKey{RuleID: ruleID, SessionID: sessionID})
	delete(o.awaiting, ruleID)
	props := models.Properties{"rule_id": models.StringValue(ruleID)}
	if payload != "" {
		props["response"] = models.StringValue(payload)
	}
	out.events = append(out.events, sideEvent{name: models.EventSurveyCompleted, props: props})
	o.mu.Unlock()

	slog.Info("Orchestrator: survey completed", "ruleID", ruleID, "userID", userID)
	o.flush(ctx, out)
}

// MarkSurveyCompleted is the host's direct completion entry point without a payload.
func (o *Orchestrator) MarkSurveyCompleted(ctx context.Context, ruleID string) {
	o.CompleteSurvey(ctx, ruleID, "")
}

// DismissSurvey records that a presented survey was closed without an answer.
// The attempt was already counted at presentation. Dismissing a rule that is
// not awaiting an answer is ignored.
func (o *Orchestrator) DismissSurvey(ctx context.Context, ruleID string) {
	var out effects
	o.mu.Lock()
	if _, ok := o.awaiting[ruleID]; !ok {
		o.mu.Unlock()
		slog.Debug("Orchestrator.DismissSurvey: rule not awaiting a response", "ruleID", ruleID)
		return
	}
	delete(o.awaiting, ruleID)
	out.events = append(out.events, sideEvent{
		name:  models.EventSurveyDismissed,
		props: models.Properties{"rule_id": models.StringValue(ruleID)},
	})
	o.mu.Unlock()

	slog.Info("Orchestrator: survey dismissed", "ruleID", ruleID)
	o.flush(ctx, out)
}

// Run consumes events until ctx is done or the channel closes.
func (o *Orchestrator) Run(ctx context.Context, events <-chan models.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			o.HandleEvent(ctx, e)
		}
	}
}

// ShownThisSession reports whether ruleID was presented in the current session.
func (o *Orchestrator) ShownThisSession(ruleID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shown[ruleID]
}

// ActiveTimers lists the armed delay timers.
func (o *Orchestrator) ActiveTimers() []TimerInfo {
	return o.timers.active()
}

// Stop disarms all timers and waits for any firing one to finish. Persisted
// schedules are kept for the next restoration.
func (o *Orchestrator) Stop() {
	o.timers.stop()
	slog.Info("Orchestrator stopped")
}
