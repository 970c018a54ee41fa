package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *recorder) record(ev StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusEvent(nil), r.events...)
}

func TestIndicator_ProbeThenPush(t *testing.T) {
	ind := NewIndicator(ProberFunc(func(context.Context) bool { return true }), nil)
	rec := &recorder{}

	ind.Subscribe(rec.record)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, rec.snapshot()[0].Online)
}

func TestIndicator_ReplaysKnownState(t *testing.T) {
	var probes atomic.Int32
	ind := NewIndicator(ProberFunc(func(context.Context) bool {
		probes.Add(1)
		return false
	}), nil)
	ind.Set(true)

	rec := &recorder{}
	ind.Subscribe(rec.record)

	assert.Equal(t, []StatusEvent{{Online: true}}, rec.snapshot())
	assert.Equal(t, int32(0), probes.Load())
}

func TestIndicator_EmitsOnlyTransitions(t *testing.T) {
	ind := NewIndicator(nil, nil)
	ind.Set(false)
	rec := &recorder{}
	ind.Subscribe(rec.record)

	ind.Set(false)
	ind.Set(true)
	ind.Set(true)
	ind.Set(false)

	assert.Equal(t, []StatusEvent{{Online: false}, {Online: true}, {Online: false}}, rec.snapshot())
}

func TestIndicator_ConcurrentSetsDeliverInOrder(t *testing.T) {
	ind := NewIndicator(nil, nil)
	ind.Set(false)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ind.Subscribe(func(ev StatusEvent) {
		if ev.Online {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})
	rec := &recorder{}
	ind.Subscribe(rec.record)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ind.Set(true)
	}()
	<-entered

	offline := make(chan struct{})
	go func() {
		defer close(offline)
		ind.Set(false)
	}()
	time.Sleep(30 * time.Millisecond)
	close(release)
	<-done
	<-offline

	online, known := ind.Online()
	require.True(t, known)
	events := rec.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, online, events[len(events)-1].Online)
	assert.Equal(t, []StatusEvent{{Online: false}, {Online: true}, {Online: false}}, events)
}

func TestIndicator_IsReachable(t *testing.T) {
	ind := NewIndicator(ProberFunc(func(context.Context) bool { return false }), nil)

	assert.False(t, ind.IsReachable(context.Background()))
	online, known := ind.Online()
	assert.True(t, known)
	assert.False(t, online)
}

func TestIndicator_Run(t *testing.T) {
	var up atomic.Bool
	ind := NewIndicator(ProberFunc(func(context.Context) bool { return up.Load() }), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ind.Run(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		online, known := ind.Online()
		return known && !online
	}, time.Second, 5*time.Millisecond)

	up.Store(true)
	require.Eventually(t, func() bool {
		online, _ := ind.Online()
		return online
	}, time.Second, 5*time.Millisecond)
}

func TestHTTPProber(t *testing.T) {
	status := http.StatusOK
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer ts.Close()

	p := NewHTTPProber(ts.URL, time.Second)
	assert.True(t, p.Probe(context.Background()))

	mu.Lock()
	status = http.StatusServiceUnavailable
	mu.Unlock()
	assert.False(t, p.Probe(context.Background()))

	ts.Close()
	assert.False(t, p.Probe(context.Background()))
}
