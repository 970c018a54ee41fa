// Package queue implements durable per-model FIFO queues on top of the local store.
// Each queue is persisted as one row holding the model key and the ordered items,
// so a read-modify-write replaces the whole list at once.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/store"
)

// Row is the persisted shape of a queue.
type Row[T any] struct {
	ModelKey string `json:"modelKey"`
	Items    []T    `json:"items"`
}

// locks serializes read-modify-write cycles per (table, key) across all
// queue handles in the process.
var locks sync.Map

func lockFor(table, key string) *sync.Mutex {
	mu, _ := locks.LoadOrStore(table+"/"+key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Queue is a durable FIFO of items of type T.
type Queue[T any] struct {
	store store.LocalStore
	table string
	key   string
	mu    *sync.Mutex
}

// New returns the queue stored in table under key.
func New[T any](st store.LocalStore, table, key string) *Queue[T] {
	return &Queue[T]{
		store: st,
		table: table,
		key:   key,
		mu:    lockFor(table, key),
	}
}

// NewMutationQueue returns the push queue of a model.
func NewMutationQueue(st store.LocalStore, modelKey string) *Queue[models.MutationQueueItem] {
	return New[models.MutationQueueItem](st, store.MutationQueueTable, modelKey)
}

// NewUploadQueue returns an upload queue. Models with several attachment
// groups keep one queue per group.
func NewUploadQueue(st store.LocalStore, key string) *Queue[models.UploadQueueItem] {
	return New[models.UploadQueueItem](st, store.UploadQueueTable, key)
}

// Key returns the row key of the queue.
func (q *Queue[T]) Key() string {
	return q.key
}

// Enqueue appends item to the tail.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := store.Update(ctx, q.store, q.table, q.key, func(row *Row[T]) (*Row[T], error) {
		if row == nil {
			row = &Row[T]{ModelKey: q.key}
		}
		row.Items = append(row.Items, item)
		return row, nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", q.key, err)
	}
	return nil
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek(ctx context.Context) (T, bool, error) {
	var zero T
	row, err := store.Load[Row[T]](ctx, q.store, q.table, q.key)
	if err != nil {
		return zero, false, fmt.Errorf("peek %s: %w", q.key, err)
	}
	if row == nil || len(row.Items) == 0 {
		return zero, false, nil
	}
	return row.Items[0], true, nil
}

// Dequeue removes the head. The list is re-read inside the write so items
// appended since the last Peek are preserved.
func (q *Queue[T]) Dequeue(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := store.Update(ctx, q.store, q.table, q.key, func(row *Row[T]) (*Row[T], error) {
		if row == nil || len(row.Items) == 0 {
			return nil, nil
		}
		row.Items = row.Items[1:]
		return row, nil
	})
	if err != nil {
		return fmt.Errorf("dequeue %s: %w", q.key, err)
	}
	return nil
}

// Items returns a snapshot of the queue in order.
func (q *Queue[T]) Items(ctx context.Context) ([]T, error) {
	row, err := store.Load[Row[T]](ctx, q.store, q.table, q.key)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.key, err)
	}
	if row == nil {
		return nil, nil
	}
	return row.Items, nil
}

// Len returns the number of queued items.
func (q *Queue[T]) Len(ctx context.Context) (int, error) {
	items, err := q.Items(ctx)
	return len(items), err
}

// Clear drops every queued item.
func (q *Queue[T]) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return store.Save(ctx, q.store, q.table, q.key, &Row[T]{ModelKey: q.key})
}
