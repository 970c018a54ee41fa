package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilupskalvis/replica/internal/datastore"
	"github.com/kilupskalvis/replica/internal/graphql"
	"github.com/kilupskalvis/replica/internal/models"
)

// DefaultPullInterval is the delta polling period used when none is configured.
const DefaultPullInterval = 10 * time.Minute

// PullReplicator fetches server changes made after the model's watermark.
type PullReplicator struct {
	collection *datastore.Collection
	client     graphql.Client
	reachable  func(ctx context.Context) bool
	canRead    func() bool
	interval   time.Duration
	query      string
	logger     *slog.Logger
	now        func() time.Time

	performing atomic.Bool
	// applyMu is held while pulled rows are written so a purge never
	// interleaves with them.
	applyMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	runCtx    context.Context
	runCancel context.CancelFunc
	polling   *struct{}
}

// NewPullReplicator creates an inert pull replicator. A nil client disables
// pulling; an interval of zero makes Start a one-shot.
func NewPullReplicator(c *datastore.Collection, client graphql.Client, reachable func(context.Context) bool, canRead func() bool, interval time.Duration, opts Options) *PullReplicator {
	opts = opts.withDefaults()
	m := c.Model()
	return &PullReplicator{
		collection: c,
		client:     client,
		reachable:  reachable,
		canRead:    canRead,
		interval:   interval,
		query:      graphql.BuildQuery(m),
		logger:     opts.Logger.With("model", m.Name, "replicator", "pull"),
		now:        time.Now,
	}
}

// Activate sets the context polling runs under.
func (p *PullReplicator) Activate(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx = ctx
}

// Perform runs one delta pull. Concurrent calls collapse into the running
// one. Failures are logged and never returned.
func (p *PullReplicator) Perform(ctx context.Context) {
	if p.client == nil {
		return
	}
	if !p.performing.CompareAndSwap(false, true) {
		return
	}
	defer p.performing.Store(false)

	if err := p.perform(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("pull failed", "error", err)
	}
}

func (p *PullReplicator) perform(ctx context.Context) error {
	since := time.Unix(0, 0).UTC()
	last, err := p.collection.LastSync(ctx)
	if err != nil {
		return err
	}
	if last != nil {
		since = *last
	}

	resp, err := p.client.Do(ctx, &graphql.Request{
		Query:     p.query,
		Variables: map[string]any{graphql.VarLastSync: since.Format(time.RFC3339Nano)},
	})
	if err != nil {
		return fmt.Errorf("delta query: %w", err)
	}

	_, raw, err := graphql.FirstOperationData(resp)
	if err != nil {
		return err
	}
	var rows []models.Record
	if err := json.Unmarshal(raw, &rows); err != nil {
		return fmt.Errorf("%w: %v", graphql.ErrMalformedResponse, err)
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	// Read access may have been revoked while the query was in flight.
	if ctx.Err() != nil || !p.canRead() {
		p.logger.Debug("pull result discarded", "rows", len(rows))
		return nil
	}
	if err := p.collection.ApplyPull(ctx, rows); err != nil {
		return err
	}
	if err := p.collection.AdvanceLastSync(ctx, p.now()); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	p.logger.Debug("pull applied", "rows", len(rows), "since", since)
	return nil
}

// Purge deletes the synced records and resets the watermark. It waits for a
// pull that is writing rows and the next one sees the reset watermark.
func (p *PullReplicator) Purge(ctx context.Context) (int, error) {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	return p.collection.DeleteSynced(ctx)
}

// Start pulls once when the backend is reachable and the session may read,
// then keeps polling on the configured interval until Stop. Calling Start
// while polling is a no-op.
func (p *PullReplicator) Start() {
	p.mu.Lock()
	if p.polling != nil {
		p.mu.Unlock()
		return
	}
	ctx := p.runContextLocked()
	token := &struct{}{}
	p.polling = token
	p.mu.Unlock()

	go p.loop(ctx, token)
}

// runContextLocked returns the context shared by everything Start set off,
// creating it on first use. Stop cancels it.
func (p *PullReplicator) runContextLocked() context.Context {
	if p.runCtx == nil {
		base := p.ctx
		if base == nil {
			base = context.Background()
		}
		p.runCtx, p.runCancel = context.WithCancel(base)
	}
	return p.runCtx
}

func (p *PullReplicator) loop(ctx context.Context, token *struct{}) {
	defer p.finish(token)

	if !p.reachable(ctx) || !p.canRead() {
		return
	}
	p.Perform(ctx)
	if p.interval <= 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Perform(ctx)
		}
	}
}

func (p *PullReplicator) finish(token *struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.polling == token {
		p.polling = nil
	}
}

// Stop cancels polling and every pull started since Start.
func (p *PullReplicator) Stop() {
	p.mu.Lock()
	cancel := p.runCancel
	p.runCtx = nil
	p.runCancel = nil
	p.polling = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Polling reports whether a polling loop is active.
func (p *PullReplicator) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polling != nil
}

// Trigger runs a pull in the background. Stop cancels it.
func (p *PullReplicator) Trigger() {
	p.mu.Lock()
	ctx := p.runContextLocked()
	p.mu.Unlock()
	go p.Perform(ctx)
}

// SetOnline follows the network signal: coming online catches up with an
// extra pull or starts polling, going offline stops it.
func (p *PullReplicator) SetOnline(online bool) {
	if !online {
		p.Stop()
		return
	}
	if p.Polling() {
		p.Trigger()
		return
	}
	p.Start()
}
