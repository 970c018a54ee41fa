package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kilupskalvis/replica/internal/datastore"
	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminOnly(m models.Model) models.Model {
	m.Permissions = models.Permissions{
		Read:   []string{"admin"},
		Write:  []string{"admin"},
		Delete: []string{"admin"},
	}
	return m
}

type webhookSink struct {
	mu     sync.Mutex
	events []notify.WebhookEvent
}

func newWebhookSink(t *testing.T) (*webhookSink, *httptest.Server) {
	s := &webhookSink{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev notify.WebhookEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *webhookSink) snapshot() []notify.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.WebhookEvent(nil), s.events...)
}

// ==================== Coordinator Tests ====================

func TestNewCoordinator_NoModels(t *testing.T) {
	h := newHarness(t)
	_, err := NewCoordinator(h.ds, h.net, h.auth, h.config())
	assert.ErrorIs(t, err, ErrNoModels)
}

func TestNewCoordinator_PropagatesReplicatorErrors(t *testing.T) {
	h := newHarness(t, taskModel(), photoModel())
	_, err := NewCoordinator(h.ds, h.net, h.auth, h.config())
	assert.ErrorIs(t, err, ErrMissingObjectStore)
}

func TestCoordinator_Replicator(t *testing.T) {
	h := newHarness(t, taskModel())
	c := h.coordinator(t, h.config())

	mr, err := c.Replicator("tasks")
	require.NoError(t, err)
	assert.Equal(t, "tasks", mr.Model().Name)
	assert.Len(t, c.Replicators(), 1)

	_, err = c.Replicator("missing")
	assert.ErrorIs(t, err, datastore.ErrUnknownCollection)
}

func TestCoordinator_SessionChangesConverge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, adminOnly(taskModel()))
	sink, srv := newWebhookSink(t)
	notifier := notify.NewWebhookNotifier(&notify.WebhookConfig{URLs: []string{srv.URL}}, nil)

	cfg := h.config()
	cfg.Notifier = notifier
	h.backend.setRows(models.Record{"id": "r1", "name": "remote"})
	h.net.Set(true)

	c := h.coordinator(t, cfg)
	mr, err := c.Replicator("tasks")
	require.NoError(t, err)
	col := mr.Collection()

	// Anonymous session: nothing is replicated.
	_, err = col.Save(ctx, models.Record{"id": "local", "name": "draft"})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.backend.count("query"))
	assert.Zero(t, queueLen(t, mr))
	assert.Equal(t, Suspended, mr.Push().Phase())

	// Admin session: pull fills the store and writes are pushed.
	require.NoError(t, h.tokens.SetToken(signToken(t, "admin")))
	require.Eventually(t, func() bool {
		_, err := col.QueryByID(ctx, "r1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = col.Save(ctx, models.Record{"id": "w1", "name": "mine"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return queueLen(t, mr) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"w1"}, h.backend.pushedIDs())

	// Signed out: synced data is purged, unsynced local data survives.
	h.tokens.Clear()

	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = col.QueryByID(ctx, "local")
	assert.NoError(t, err)
	last, err := col.LastSync(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.Equal(t, Suspended, mr.Push().Phase())

	notifier.Wait()
	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventPurge, events[0].Event)
	assert.Equal(t, "tasks", events[0].Model)
	assert.Equal(t, 2, events[0].Count)

	// Signing back in repopulates from the epoch.
	require.NoError(t, h.tokens.SetToken(signToken(t, "admin")))
	require.Eventually(t, func() bool {
		_, err := col.QueryByID(ctx, "r1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "1970-01-01T00:00:00Z", h.backend.lastQuery().Variables["lastSync"])
}

func TestCoordinator_RevokeDuringPullKeepsStorePurged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, adminOnly(taskModel()))
	require.NoError(t, h.tokens.SetToken(signToken(t, "admin")))
	c := h.coordinator(t, h.config())
	mr, err := c.Replicator("tasks")
	require.NoError(t, err)
	col := mr.Collection()

	h.backend.setRows(models.Record{"id": "b", "name": "secret"})
	release := make(chan struct{})
	h.backend.mu.Lock()
	h.backend.queryBlock = release
	h.backend.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mr.Pull().Perform(ctx)
	}()
	require.Eventually(t, func() bool { return h.backend.count("query") == 1 }, 2*time.Second, 10*time.Millisecond)

	// The reply arrives after the session lost read access.
	h.tokens.Clear()
	close(release)
	<-done

	_, err = col.QueryByID(ctx, "b")
	assert.ErrorIs(t, err, datastore.ErrNotFound)
	last, err := col.LastSync(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestCoordinator_ReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, taskModel(), adminOnly(models.Model{
		Name:       "audit",
		PrimaryKey: "id",
		Fields:     []models.Field{{Name: "id"}},
	}))
	c := h.coordinator(t, h.config())

	for range 3 {
		require.NoError(t, c.Reconcile(ctx))
	}

	tasks, err := c.Replicator("tasks")
	require.NoError(t, err)
	audit, err := c.Replicator("audit")
	require.NoError(t, err)

	assert.Equal(t, Suspended, tasks.Push().Phase(), "offline push stays suspended")
	h.net.Set(true)
	require.Eventually(t, func() bool { return tasks.Push().Phase() == Idle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Suspended, audit.Push().Phase())
}

func TestCoordinator_CloseStopsEverything(t *testing.T) {
	h := newHarness(t, taskModel())
	c, err := NewCoordinator(h.ds, h.net, h.auth, h.config())
	require.NoError(t, err)
	c.Activate(context.Background())

	h.net.Set(true)
	mr, err := c.Replicator("tasks")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mr.Push().Phase() == Idle }, time.Second, 5*time.Millisecond)

	c.Close()
	require.Eventually(t, func() bool { return mr.Push().Phase() == Suspended }, time.Second, 5*time.Millisecond)
	assert.False(t, mr.Pull().Polling())
}
