package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kilupskalvis/replica/internal/auth"
	"github.com/kilupskalvis/replica/internal/broadcast"
	"github.com/kilupskalvis/replica/internal/datastore"
	"github.com/kilupskalvis/replica/internal/graphql"
	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/network"
	"github.com/kilupskalvis/replica/internal/storage"
	"github.com/kilupskalvis/replica/internal/store"
)

// Configuration errors.
var (
	ErrNoModels           = errors.New("no models registered")
	ErrMissingObjectStore = errors.New("model declares attachments but no object store is configured")
)

// NetworkSignal reports backend reachability.
type NetworkSignal interface {
	Subscribe(fn func(network.StatusEvent)) *broadcast.Subscription
	IsReachable(ctx context.Context) bool
}

// AuthSignal reports the current session.
type AuthSignal interface {
	Subscribe(fn func(auth.StatusEvent)) *broadcast.Subscription
	Roles() []string
	Credential() string
}

// Config wires replicators to the backend.
type Config struct {
	// Client sends queries and mutations. Without one nothing is pulled or pushed.
	Client graphql.Client

	// Subscriptions carries live notifications. Optional.
	Subscriptions *graphql.SubscriptionClient

	// Objects stores attachments. Required when a model declares attachments.
	Objects storage.ObjectStore

	// PullInterval is the polling period; zero pulls once per Start.
	PullInterval time.Duration

	Options
}

// ModelReplicator owns the replicators of one model and evaluates the
// session's permissions on it.
type ModelReplicator struct {
	collection   *datastore.Collection
	model        *models.Model
	network      NetworkSignal
	auth         AuthSignal
	pull         *PullReplicator
	push         *PushReplicator
	subscription *SubscriptionReplicator
	attachments  []*AttachmentReplicator
	logger       *slog.Logger

	mu     sync.Mutex
	netSub *broadcast.Subscription
}

// NewModelReplicator builds the replicators of c without starting anything.
func NewModelReplicator(c *datastore.Collection, st store.LocalStore, net NetworkSignal, authSignal AuthSignal, cfg Config) (*ModelReplicator, error) {
	m := c.Model()
	if m.HasAttachments() && cfg.Objects == nil {
		return nil, fmt.Errorf("model %s: %w", m.Name, ErrMissingObjectStore)
	}
	opts := cfg.Options.withDefaults()

	mr := &ModelReplicator{
		collection: c,
		model:      m,
		network:    net,
		auth:       authSignal,
		logger:     opts.Logger.With("model", m.Name),
	}
	mr.pull = NewPullReplicator(c, cfg.Client, net.IsReachable, mr.CanRead, cfg.PullInterval, opts)
	mr.push = NewPushReplicator(c, cfg.Client, st, opts)
	mr.subscription = NewSubscriptionReplicator(m, cfg.Subscriptions, mr.pull, mr.CanRead, opts)
	for _, a := range m.Attachments {
		mr.attachments = append(mr.attachments, NewAttachmentReplicator(c, a, cfg.Objects, st, opts))
	}
	return mr, nil
}

// Activate attaches the replicator to its collection and to the network
// signal. Writes made before Activate are not queued.
func (mr *ModelReplicator) Activate(ctx context.Context) {
	mr.pull.Activate(ctx)
	mr.push.Activate(ctx)
	for _, a := range mr.attachments {
		a.Activate(ctx)
	}
	mr.collection.SetReplicator(mr)

	sub := mr.network.Subscribe(mr.setOnline)
	mr.mu.Lock()
	mr.netSub = sub
	mr.mu.Unlock()
}

// Close stops every replicator and detaches from the network signal.
func (mr *ModelReplicator) Close() {
	mr.mu.Lock()
	sub := mr.netSub
	mr.netSub = nil
	mr.mu.Unlock()

	sub.Unsubscribe()
	mr.StopAll()
	mr.collection.SetReplicator(nil)
}

func (mr *ModelReplicator) setOnline(ev network.StatusEvent) {
	mr.logger.Debug("network state", "online", ev.Online)
	mr.push.SetOnline(ev.Online)
	for _, a := range mr.attachments {
		a.SetOnline(ev.Online)
	}
	mr.pull.SetOnline(ev.Online)
	mr.subscription.SetOnline(ev.Online)
}

// Model returns the replicated model.
func (mr *ModelReplicator) Model() *models.Model {
	return mr.model
}

// Collection returns the local collection.
func (mr *ModelReplicator) Collection() *datastore.Collection {
	return mr.collection
}

// PurgeSynced removes the synced records without racing a pull that is
// still applying rows.
func (mr *ModelReplicator) PurgeSynced(ctx context.Context) (int, error) {
	return mr.pull.Purge(ctx)
}

// Pull returns the pull replicator.
func (mr *ModelReplicator) Pull() *PullReplicator { return mr.pull }

// Push returns the push replicator.
func (mr *ModelReplicator) Push() *PushReplicator { return mr.push }

// Subscription returns the subscription replicator.
func (mr *ModelReplicator) Subscription() *SubscriptionReplicator { return mr.subscription }

// Attachments returns one replicator per attachment group.
func (mr *ModelReplicator) Attachments() []*AttachmentReplicator { return mr.attachments }

// CanRead reports whether the session may read the model.
func (mr *ModelReplicator) CanRead() bool {
	return mr.model.CanRead(mr.auth.Roles())
}

// CanWrite reports whether the session may write the model.
func (mr *ModelReplicator) CanWrite() bool {
	return mr.model.CanWrite(mr.auth.Roles())
}

// CanDelete reports whether the session may delete the model's records.
func (mr *ModelReplicator) CanDelete() bool {
	return mr.model.CanDelete(mr.auth.Roles())
}

// SaveChangeForReplication queues a local write for push.
func (mr *ModelReplicator) SaveChangeForReplication(ctx context.Context, rec models.Record, eventType models.EventType) error {
	return mr.push.Enqueue(ctx, rec, eventType)
}

// SaveChangeForUploadReplication queues rec on every attachment group whose
// data and pending path it carries.
func (mr *ModelReplicator) SaveChangeForUploadReplication(ctx context.Context, rec models.Record, eventType models.EventType) error {
	for _, a := range mr.attachments {
		if err := a.Enqueue(ctx, rec, eventType); err != nil {
			return err
		}
	}
	return nil
}

// Perform runs one delta pull now.
func (mr *ModelReplicator) Perform(ctx context.Context) {
	mr.pull.Perform(ctx)
}

// StartPull starts delta polling.
func (mr *ModelReplicator) StartPull() { mr.pull.Start() }

// StopPull stops delta polling.
func (mr *ModelReplicator) StopPull() { mr.pull.Stop() }

// StartPush enables the mutation queue processor.
func (mr *ModelReplicator) StartPush() { mr.push.Start() }

// StopPush disables the mutation queue processor.
func (mr *ModelReplicator) StopPush() { mr.push.Stop() }

// StartSubscription registers the live subscription.
func (mr *ModelReplicator) StartSubscription() { mr.subscription.Start() }

// StopSubscription removes the live subscription.
func (mr *ModelReplicator) StopSubscription() { mr.subscription.Stop() }

// StartUploads enables every attachment processor.
func (mr *ModelReplicator) StartUploads() {
	for _, a := range mr.attachments {
		a.Start()
	}
}

// StopUploads disables every attachment processor.
func (mr *ModelReplicator) StopUploads() {
	for _, a := range mr.attachments {
		a.Stop()
	}
}

// StopAll stops pull, push, subscription and uploads.
func (mr *ModelReplicator) StopAll() {
	mr.StopPull()
	mr.StopPush()
	mr.StopSubscription()
	mr.StopUploads()
}

// Pending returns the number of queued mutations and uploads.
func (mr *ModelReplicator) Pending(ctx context.Context) (mutations, uploads int, err error) {
	mutations, err = mr.push.Queue().Len(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, a := range mr.attachments {
		n, err := a.Queue().Len(ctx)
		if err != nil {
			return 0, 0, err
		}
		uploads += n
	}
	return mutations, uploads, nil
}
