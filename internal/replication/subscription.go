package replication

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kilupskalvis/replica/internal/graphql"
	"github.com/kilupskalvis/replica/internal/models"
)

// SubscriptionReplicator holds a live subscription for a model. A
// notification does not carry data; it only triggers a pull.
type SubscriptionReplicator struct {
	model   *models.Model
	client  *graphql.SubscriptionClient
	pull    *PullReplicator
	canRead func() bool
	query   string
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
	id string
	// connected is set once the connection carrying the subscription was
	// acknowledged; later acknowledgements are reconnects.
	connected bool
}

// NewSubscriptionReplicator creates an inert replicator. A nil client means
// no subscription endpoint is configured and Start does nothing.
func NewSubscriptionReplicator(m *models.Model, client *graphql.SubscriptionClient, pull *PullReplicator, canRead func() bool, opts Options) *SubscriptionReplicator {
	opts = opts.withDefaults()
	s := &SubscriptionReplicator{
		model:   m,
		client:  client,
		pull:    pull,
		canRead: canRead,
		query:   graphql.BuildSubscription(m),
		logger:  opts.Logger.With("model", m.Name, "replicator", "subscription"),
		now:     time.Now,
	}
	if client != nil {
		client.OnConnected(s.connectionAcked)
	}
	return s
}

// Start registers the subscription. It is idempotent.
func (s *SubscriptionReplicator) Start() {
	if s.client == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return
	}

	req := &graphql.Request{
		Query:     s.query,
		Variables: map[string]any{graphql.VarLastUpdate: s.now().UTC().Format(time.RFC3339Nano)},
	}
	id, err := s.client.Subscribe(req, s.handle)
	if err != nil {
		s.logger.Warn("subscribe failed", "error", err)
		return
	}
	s.id = id
	// An ack on an already open socket can only be a reconnect.
	s.connected = s.client.Connected()
	s.logger.Debug("subscription started", "id", id)
}

// Stop removes the subscription.
func (s *SubscriptionReplicator) Stop() {
	if s.client == nil {
		return
	}
	s.mu.Lock()
	id := s.id
	s.id = ""
	s.mu.Unlock()

	if id != "" {
		s.client.Unsubscribe(id)
		s.logger.Debug("subscription stopped", "id", id)
	}
}

// Active reports whether the subscription is registered.
func (s *SubscriptionReplicator) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id != ""
}

// SetOnline starts the subscription when online and readable and stops it
// when offline.
func (s *SubscriptionReplicator) SetOnline(online bool) {
	if !online {
		s.Stop()
		return
	}
	if s.canRead() {
		s.Start()
	}
}

func (s *SubscriptionReplicator) handle(resp *graphql.Response) {
	key, _, err := graphql.FirstOperationData(resp)
	if err != nil {
		s.logger.Warn("unexpected subscription payload", "error", err)
		return
	}
	if key != s.model.RemoteName {
		return
	}

	// Runs off the socket reader so a slow pull never stalls other models.
	s.pull.Trigger()
}

// connectionAcked catches up after a reconnect: notifications sent while the
// socket was down are lost.
func (s *SubscriptionReplicator) connectionAcked() {
	s.mu.Lock()
	reconnect := s.id != "" && s.connected
	if s.id != "" {
		s.connected = true
	}
	s.mu.Unlock()

	if reconnect {
		s.logger.Debug("subscription reconnected, pulling")
		s.pull.Trigger()
	}
}
