// Package broadcast provides a typed multi-subscriber channel with filtered
// dispatch, explicit unsubscription, and optional replay of the last value.
package broadcast

import (
	"sort"
	"sync"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type listener[T any] struct {
	fn     func(T)
	filter func(T) bool
}

// Broadcaster delivers published values to every listener synchronously,
// in subscription order, on the publishing goroutine.
type Broadcaster[T any] struct {
	mu        sync.Mutex
	replay    bool
	nextID    uint64
	listeners map[uint64]listener[T]
	last      T
	hasLast   bool
}

// New returns a broadcaster that does not remember published values.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{listeners: make(map[uint64]listener[T])}
}

// NewReplaying returns a broadcaster that hands the last published value to
// new subscribers immediately.
func NewReplaying[T any]() *Broadcaster[T] {
	b := New[T]()
	b.replay = true
	return b
}

// Subscribe registers fn for every published value.
func (b *Broadcaster[T]) Subscribe(fn func(T)) *Subscription {
	return b.SubscribeFiltered(fn, nil)
}

// SubscribeFiltered registers fn for values accepted by filter. A nil filter accepts all.
func (b *Broadcaster[T]) SubscribeFiltered(fn func(T), filter func(T) bool) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	l := listener[T]{fn: fn, filter: filter}
	b.listeners[id] = l
	last, replay := b.last, b.replay && b.hasLast
	b.mu.Unlock()

	if replay && (filter == nil || filter(last)) {
		fn(last)
	}

	return &Subscription{cancel: func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}}
}

// Publish delivers v to every matching listener. Listeners run outside the
// lock so they may subscribe or unsubscribe re-entrantly.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	if b.replay {
		b.last = v
		b.hasLast = true
	}
	ids := make([]uint64, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	targets := make([]listener[T], 0, len(ids))
	for _, id := range ids {
		targets = append(targets, b.listeners[id])
	}
	b.mu.Unlock()

	for _, l := range targets {
		if l.filter == nil || l.filter(v) {
			l.fn(v)
		}
	}
}

// Last returns the most recently published value on a replaying broadcaster.
func (b *Broadcaster[T]) Last() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Len returns the number of active listeners.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
