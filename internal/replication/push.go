// Package replication keeps the local collections in sync with the GraphQL
// backend. Each model gets a pull, push, subscription and attachment
// replicator; the Coordinator starts and stops them as the session changes.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/replica/internal/datastore"
	"github.com/kilupskalvis/replica/internal/graphql"
	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/notify"
	"github.com/kilupskalvis/replica/internal/queue"
	"github.com/kilupskalvis/replica/internal/store"
)

// Options carries what every replicator of a model shares.
type Options struct {
	Logger   *slog.Logger
	Retry    *graphql.RetryConfig
	Notifier *notify.WebhookNotifier
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Retry == nil {
		o.Retry = graphql.DefaultRetryConfig()
	}
	return o
}

// PushReplicator drains a model's mutation queue one upsert at a time.
type PushReplicator struct {
	collection *datastore.Collection
	model      *models.Model
	client     graphql.Client
	queue      *queue.Queue[models.MutationQueueItem]
	mutation   string
	logger     *slog.Logger
	drainer    *drainer
}

// NewPushReplicator creates an inert push replicator for c.
func NewPushReplicator(c *datastore.Collection, client graphql.Client, st store.LocalStore, opts Options) *PushReplicator {
	opts = opts.withDefaults()
	m := c.Model()
	p := &PushReplicator{
		collection: c,
		model:      m,
		client:     client,
		queue:      queue.NewMutationQueue(st, m.StoreName),
		mutation:   graphql.BuildMutation(m),
		logger:     opts.Logger.With("model", m.Name, "replicator", "push"),
	}
	p.drainer = newDrainer(p.step, opts.Retry, p.logger)
	p.drainer.onError = func(err error) {
		opts.Notifier.NotifyFailure(notify.EventPushFailed, m.Name, err)
	}
	return p
}

// Activate sets the context background drains run under.
func (p *PushReplicator) Activate(ctx context.Context) {
	p.drainer.activate(ctx)
}

// Enqueue appends rec to the mutation queue and wakes the processor. The
// queued payload carries only declared fields under their remote names.
func (p *PushReplicator) Enqueue(ctx context.Context, rec models.Record, eventType models.EventType) error {
	item := models.MutationQueueItem{EventType: eventType, Data: p.model.ToRemote(rec)}
	if err := p.queue.Enqueue(ctx, item); err != nil {
		return err
	}
	p.logger.Debug("mutation queued", "event", eventType)
	p.drainer.trigger()
	return nil
}

// Process drains the queue on the calling goroutine. It is a no-op while
// suspended or when another drain is active.
func (p *PushReplicator) Process(ctx context.Context) {
	p.drainer.process(ctx)
}

// Start enables replication and drains any backlog.
func (p *PushReplicator) Start() {
	p.drainer.start()
}

// Stop disables replication. A drain in progress exits after its current send.
func (p *PushReplicator) Stop() {
	p.drainer.stop()
}

// SetOnline follows the network signal.
func (p *PushReplicator) SetOnline(online bool) {
	p.drainer.setOpen(online)
}

// Phase returns the processor state.
func (p *PushReplicator) Phase() Phase {
	return p.drainer.gate.current()
}

// Queue returns the model's mutation queue.
func (p *PushReplicator) Queue() *queue.Queue[models.MutationQueueItem] {
	return p.queue
}

func (p *PushReplicator) step(ctx context.Context) (bool, error) {
	if p.client == nil {
		return false, nil
	}
	item, ok, err := p.queue.Peek(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	resp, err := p.client.Do(ctx, &graphql.Request{
		Query:     p.mutation,
		Variables: map[string]any{graphql.VarData: []models.Record{item.Data}},
	})
	if err != nil {
		return false, fmt.Errorf("send %s: %w", item.EventType, err)
	}

	_, raw, err := graphql.FirstOperationData(resp)
	if err != nil {
		return false, err
	}
	var result graphql.MutationResult[models.Record]
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, fmt.Errorf("%w: %v", graphql.ErrMalformedResponse, err)
	}
	if len(result.Returning) == 0 {
		return false, fmt.Errorf("%w: missing returning", graphql.ErrMalformedResponse)
	}

	if err := p.collection.ApplyPushResult(ctx, result.Returning[0]); err != nil {
		return false, err
	}
	if err := p.queue.Dequeue(ctx); err != nil {
		return false, err
	}
	p.logger.Debug("mutation acknowledged", "event", item.EventType)
	return true, nil
}
