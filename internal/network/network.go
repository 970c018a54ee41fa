// Package network reports whether the replication backend is reachable.
package network

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kilupskalvis/replica/internal/broadcast"
)

// StatusEvent is published on every reachability transition.
type StatusEvent struct {
	Online bool
}

// Prober checks reachability once.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// AlwaysOnline is used when no health endpoint is configured.
var AlwaysOnline = ProberFunc(func(context.Context) bool { return true })

// HTTPProber considers the backend reachable when a GET on url returns any
// non-5xx response.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates a prober for url with a per-probe timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{url: url, client: &http.Client{Timeout: timeout}}
}

// Probe issues one request.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Indicator is the process-wide network signal. It emits only transitions
// and replays the last known state to new subscribers.
type Indicator struct {
	prober Prober
	events *broadcast.Broadcaster[StatusEvent]
	logger *slog.Logger

	// pubMu orders state changes with their delivery, so listeners observe
	// transitions in the order they were recorded.
	pubMu  sync.Mutex
	mu     sync.Mutex
	known  bool
	online bool
}

// NewIndicator creates an indicator backed by prober. A nil prober means always online.
func NewIndicator(prober Prober, logger *slog.Logger) *Indicator {
	if prober == nil {
		prober = AlwaysOnline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indicator{
		prober: prober,
		events: broadcast.NewReplaying[StatusEvent](),
		logger: logger,
	}
}

// Subscribe registers fn. If the state is already known it is delivered
// immediately; otherwise a probe runs in the background and its result is
// published.
func (i *Indicator) Subscribe(fn func(StatusEvent)) *broadcast.Subscription {
	sub := i.events.Subscribe(fn)

	i.mu.Lock()
	known := i.known
	i.mu.Unlock()
	if !known {
		go i.IsReachable(context.Background())
	}
	return sub
}

// IsReachable returns the known state, probing first if nothing is known yet.
func (i *Indicator) IsReachable(ctx context.Context) bool {
	i.mu.Lock()
	if i.known {
		online := i.online
		i.mu.Unlock()
		return online
	}
	i.mu.Unlock()

	online := i.prober.Probe(ctx)
	i.Set(online)
	return online
}

// Online returns the last known state and whether one is known.
func (i *Indicator) Online() (online, known bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.online, i.known
}

// Set records a new state and publishes it if it changed. Listeners must
// not call Set.
func (i *Indicator) Set(online bool) {
	i.pubMu.Lock()
	defer i.pubMu.Unlock()

	i.mu.Lock()
	if i.known && i.online == online {
		i.mu.Unlock()
		return
	}
	i.known = true
	i.online = online
	i.mu.Unlock()

	i.logger.Info("network state changed", "online", online)
	i.events.Publish(StatusEvent{Online: online})
}

// Run probes every interval until ctx is cancelled.
func (i *Indicator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	i.Set(i.prober.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.Set(i.prober.Probe(ctx))
		}
	}
}
