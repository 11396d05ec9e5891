package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("id-%03d", atomic.AddInt64(&n, 1))
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeClock, store.EventStore) {
	t.Helper()
	es, err := store.NewFileEventStore(t.TempDir())
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	c := NewCoordinator(es, WithClock(clock.Now), WithIDGenerator(sequentialIDs()))
	t.Cleanup(c.Close)
	return c, clock, es
}

func TestRecordEventStartsAnonymousSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, ok := c.CurrentSession()
	require.False(t, ok)

	var started []models.EventSession
	c.OnSessionStart(func(s models.EventSession) { started = append(started, s) })

	e1, err := c.RecordEvent(ctx, "app_open", nil)
	require.NoError(t, err)
	e2, err := c.RecordEvent(ctx, "screen_view", models.Properties{"screen": models.StringValue("home")})
	require.NoError(t, err)

	sess, ok := c.CurrentSession()
	require.True(t, ok)
	assert.True(t, sess.IsAnonymous())
	assert.Equal(t, sess.ID, e1.SessionID)
	assert.Equal(t, sess.ID, e2.SessionID)
	assert.Equal(t, "", c.CurrentUserID())
	require.Len(t, started, 1, "only one implicit start")
	assert.Equal(t, sess.ID, started[0].ID)

	replayed, err := c.Replay(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, "app_open", replayed[0].Name)
	assert.Equal(t, "screen_view", replayed[1].Name)
}

func TestStartSessionEndsPrevious(t *testing.T) {
	c, clock, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.StartSession(ctx, "alice", models.Properties{"plan": models.StringValue("pro")})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := c.StartSession(ctx, "bob", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "bob", c.CurrentUserID())

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.ID, sessions[0].ID)
	require.True(t, sessions[0].IsEnded())
	assert.True(t, sessions[0].EndedAt.Equal(clock.Now()))
	assert.Equal(t, "pro", mustString(t, sessions[0].Metadata["plan"]))
	assert.False(t, sessions[1].IsEnded())
}

func TestSessionStartListenersRunOnSnapshot(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	var calls []string
	c.OnSessionStart(func(s models.EventSession) {
		calls = append(calls, "first:"+s.UserID)
		if s.UserID == "alice" {
			c.OnSessionStart(func(s models.EventSession) { calls = append(calls, "late:"+s.UserID) })
		}
	})
	c.OnSessionStart(func(s models.EventSession) { calls = append(calls, "second:"+s.UserID) })

	_, err := c.StartSession(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first:alice", "second:alice"}, calls, "a listener added during notification waits for the next start")

	calls = nil
	_, err = c.StartSession(ctx, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first:bob", "second:bob", "late:bob"}, calls)
}

func TestEndSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.EndSession(ctx), "ending without a session is a no-op")
	sess, err := c.StartSession(ctx, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, c.EndSession(ctx))
	_, ok := c.CurrentSession()
	assert.False(t, ok)

	// The next event lazily opens a fresh anonymous session.
	e, err := c.RecordEvent(ctx, "app_open", nil)
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, e.SessionID)
	assert.Equal(t, "", e.UserID)
}

func TestSubscriptionDeliversInOrder(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	sub := c.Subscribe()

	const n = 200
	for i := 0; i < n; i++ {
		_, err := c.RecordEvent(ctx, "tick", models.Properties{"i": models.IntValue(int64(i))})
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		select {
		case e := <-sub.C():
			got, ok := e.Properties["i"].AsInt()
			require.True(t, ok)
			require.Equal(t, int64(i), got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	sub.Close()
	_, open := <-sub.C()
	assert.False(t, open, "channel closes after Close")
	sub.Close()
}

func TestSubscriptionOnlySeesLaterEvents(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	_, err := c.RecordEvent(ctx, "before", nil)
	require.NoError(t, err)

	sub := c.Subscribe()
	defer sub.Close()
	_, err = c.RecordEvent(ctx, "after", nil)
	require.NoError(t, err)

	select {
	case e := <-sub.C():
		assert.Equal(t, "after", e.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestCleanupSessionsMaxAge(t *testing.T) {
	c, clock, _ := newTestCoordinator(t)
	ctx := context.Background()

	old, err := c.StartSession(ctx, "alice", nil)
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	recent, err := c.StartSession(ctx, "alice", nil)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	current, err := c.StartSession(ctx, "alice", nil)
	require.NoError(t, err)
	clock.Advance(100 * time.Hour)

	// old ended at +48h, recent ended at +49h; cutoff is +125h.
	deleted, err := c.CleanupSessions(ctx, RetentionPolicy{MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, current.ID, sessions[0].ID, "current session is never deleted")
	assert.NotEqual(t, old.ID, recent.ID)
}

func TestCleanupSessionsMaxCount(t *testing.T) {
	c, clock, _ := newTestCoordinator(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		s, err := c.StartSession(ctx, "", nil)
		require.NoError(t, err)
		ids = append(ids, s.ID)
		clock.Advance(time.Minute)
	}

	deleted, err := c.CleanupSessions(ctx, RetentionPolicy{MaxSessions: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, ids[3], sessions[0].ID)
	assert.Equal(t, ids[4], sessions[1].ID)

	deleted, err = c.CleanupSessions(ctx, RetentionPolicy{MaxSessions: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	deleted, err = c.CleanupSessions(ctx, RetentionPolicy{MaxSessions: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, deleted, "zero bounds keep everything")
}

func mustString(t *testing.T, v models.EventValue) string {
	t.Helper()
	s, ok := v.AsString()
	require.True(t, ok)
	return s
}
