package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/replica/internal/auth"
	"github.com/kilupskalvis/replica/internal/broadcast"
	"github.com/kilupskalvis/replica/internal/datastore"
	"github.com/kilupskalvis/replica/internal/notify"
)

// maxParallelReconcile bounds how many models are reconciled at once.
const maxParallelReconcile = 4

// Coordinator creates a ModelReplicator per collection and, on every session
// change, stops all of them and restarts what the new roles allow.
type Coordinator struct {
	ds          *datastore.DataStore
	network     NetworkSignal
	auth        AuthSignal
	replicators []*ModelReplicator
	notifier    *notify.WebhookNotifier
	logger      *slog.Logger

	reconcileMu sync.Mutex

	mu      sync.Mutex
	ctx     context.Context
	authSub *broadcast.Subscription
}

// NewCoordinator builds one replicator per collection of ds. Nothing starts
// until Activate.
func NewCoordinator(ds *datastore.DataStore, net NetworkSignal, authSignal AuthSignal, cfg Config) (*Coordinator, error) {
	collections := ds.Collections()
	if len(collections) == 0 {
		return nil, ErrNoModels
	}
	cfg.Options = cfg.Options.withDefaults()

	c := &Coordinator{
		ds:       ds,
		network:  net,
		auth:     authSignal,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
	}
	for _, col := range collections {
		mr, err := NewModelReplicator(col, ds.Store(), net, authSignal, cfg)
		if err != nil {
			return nil, err
		}
		c.replicators = append(c.replicators, mr)
	}
	return c, nil
}

// Activate wires every model to the network signal and subscribes to the
// session signal. The current session is reconciled before Activate returns.
func (c *Coordinator) Activate(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	for _, mr := range c.replicators {
		mr.Activate(ctx)
	}

	sub := c.auth.Subscribe(func(ev auth.StatusEvent) {
		c.logger.Info("session changed", "authenticated", ev.Authenticated, "roles", ev.Roles)
		if err := c.Reconcile(ctx); err != nil {
			c.logger.Error("reconcile failed", "error", err)
		}
	})

	c.mu.Lock()
	c.authSub = sub
	c.mu.Unlock()
}

// Close detaches from both signals and stops every replicator.
func (c *Coordinator) Close() {
	c.mu.Lock()
	sub := c.authSub
	c.authSub = nil
	c.mu.Unlock()

	sub.Unsubscribe()
	for _, mr := range c.replicators {
		mr.Close()
	}
}

// Replicators returns the model replicators in declaration order.
func (c *Coordinator) Replicators() []*ModelReplicator {
	return c.replicators
}

// Replicator returns the replicator of the named model.
func (c *Coordinator) Replicator(name string) (*ModelReplicator, error) {
	for _, mr := range c.replicators {
		if mr.Model().Name == name {
			return mr, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", datastore.ErrUnknownCollection, name)
}

// Reconcile applies the current roles to every model: everything is stopped,
// readable models get pull and subscription, writable models get push and
// uploads, and unreadable models lose their synced records.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReconcile)
	for _, mr := range c.replicators {
		g.Go(func() error {
			return c.reconcileModel(gctx, mr)
		})
	}
	return g.Wait()
}

func (c *Coordinator) reconcileModel(ctx context.Context, mr *ModelReplicator) error {
	mr.StopAll()

	name := mr.Model().Name
	canRead, canWrite := mr.CanRead(), mr.CanWrite()
	c.logger.Debug("reconciling model", "model", name, "read", canRead, "write", canWrite)

	if canRead {
		mr.StartPull()
		mr.StartSubscription()
	} else {
		n, err := mr.PurgeSynced(ctx)
		if err != nil {
			return fmt.Errorf("purge %s: %w", name, err)
		}
		if n > 0 {
			c.logger.Info("purged synced records", "model", name, "count", n)
			c.notifier.NotifyPurge(name, n)
		}
	}

	if canWrite {
		mr.StartPush()
		mr.StartUploads()
	}
	return nil
}
