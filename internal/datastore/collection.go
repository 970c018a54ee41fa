package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/replica/internal/broadcast"
	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/store"
)

// ChangeReplicator receives local writes for replication. Implementations
// must not block on the network.
type ChangeReplicator interface {
	SaveChangeForReplication(ctx context.Context, rec models.Record, eventType models.EventType) error
	SaveChangeForUploadReplication(ctx context.Context, rec models.Record, eventType models.EventType) error
	CanWrite() bool
	CanDelete() bool
}

// Collection provides CRUD on one model's table and publishes change events.
type Collection struct {
	model  *models.Model
	store  store.LocalStore
	table  *store.Table
	events *broadcast.Broadcaster[models.ChangeEvent]
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	replicator ChangeReplicator
}

// Model returns the collection's model definition.
func (c *Collection) Model() *models.Model {
	return c.model
}

// SetReplicator attaches the replicator that receives local writes.
func (c *Collection) SetReplicator(r ChangeReplicator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicator = r
}

func (c *Collection) getReplicator() ChangeReplicator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replicator
}

// Subscribe registers a listener for local change events. With no event
// types every event is delivered.
func (c *Collection) Subscribe(fn func(models.ChangeEvent), eventTypes ...models.EventType) *broadcast.Subscription {
	return c.events.SubscribeFiltered(fn, func(ev models.ChangeEvent) bool {
		return ev.Matches(eventTypes)
	})
}

func (c *Collection) publish(eventType models.EventType, rec models.Record) {
	c.events.Publish(models.ChangeEvent{EventType: eventType, Data: []models.Record{rec}})
}

// Save stores a new record, generating a primary key when absent, and queues
// it for replication when the session may write.
func (c *Collection) Save(ctx context.Context, rec models.Record) (models.Record, error) {
	if err := c.model.CheckRecord(rec); err != nil {
		return nil, err
	}
	rec = rec.Clone()
	if rec == nil {
		rec = models.Record{}
	}
	id, ok := rec.ID(c.model.PrimaryKey)
	if !ok {
		id = uuid.NewString()
		rec[c.model.PrimaryKey] = id
	}

	if err := c.table.Put(ctx, id, rec); err != nil {
		return nil, fmt.Errorf("save %s/%s: %w", c.model.Name, id, err)
	}

	if r := c.getReplicator(); r != nil && r.CanWrite() {
		if err := r.SaveChangeForUploadReplication(ctx, rec, models.EventAttachAdd); err != nil {
			return nil, fmt.Errorf("queue upload %s/%s: %w", c.model.Name, id, err)
		}
		if err := r.SaveChangeForReplication(ctx, rec, models.EventAdd); err != nil {
			return nil, fmt.Errorf("queue change %s/%s: %w", c.model.Name, id, err)
		}
	}

	c.publish(models.EventAdd, rec)
	return rec, nil
}

// UpdateByID merges changes into the record named by their primary key.
func (c *Collection) UpdateByID(ctx context.Context, changes models.Record) (models.Record, error) {
	if err := c.model.CheckRecord(changes); err != nil {
		return nil, err
	}
	id, ok := changes.ID(c.model.PrimaryKey)
	if !ok {
		return nil, fmt.Errorf("update %s: %w", c.model.Name, ErrMissingPrimaryKey)
	}

	n, merged, err := c.table.Update(ctx, id, changes)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", c.model.Name, id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("update %s/%s: %w", c.model.Name, id, ErrNotFound)
	}

	if r := c.getReplicator(); r != nil && r.CanWrite() {
		if err := r.SaveChangeForUploadReplication(ctx, merged, models.EventAttachAdd); err != nil {
			return nil, fmt.Errorf("queue upload %s/%s: %w", c.model.Name, id, err)
		}
		if err := r.SaveChangeForReplication(ctx, merged, models.EventUpdate); err != nil {
			return nil, fmt.Errorf("queue change %s/%s: %w", c.model.Name, id, err)
		}
	}

	c.publish(models.EventUpdate, merged)
	return merged, nil
}

// RemoveByID deletes the record locally and queues a soft delete.
func (c *Collection) RemoveByID(ctx context.Context, id string) (models.Record, error) {
	rec, err := c.table.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("remove %s/%s: %w", c.model.Name, id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("remove %s/%s: %w", c.model.Name, id, ErrNotFound)
	}
	if err := c.table.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("remove %s/%s: %w", c.model.Name, id, err)
	}

	removed := rec.WithoutLocal()
	removed[c.model.DeleteField] = true

	if r := c.getReplicator(); r != nil && r.CanDelete() {
		if err := r.SaveChangeForReplication(ctx, removed, models.EventDelete); err != nil {
			return nil, fmt.Errorf("queue change %s/%s: %w", c.model.Name, id, err)
		}
	}

	c.publish(models.EventDelete, removed)
	return removed, nil
}

// Query returns the records matching pred. A nil pred returns every record.
func (c *Collection) Query(ctx context.Context, pred func(models.Record) bool) ([]models.Record, error) {
	return c.table.Filter(ctx, pred)
}

// QueryByID returns one record or ErrNotFound.
func (c *Collection) QueryByID(ctx context.Context, id string) (models.Record, error) {
	rec, err := c.table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s/%s: %w", c.model.Name, id, ErrNotFound)
	}
	return rec, nil
}

// Count returns the number of local records.
func (c *Collection) Count(ctx context.Context) (int, error) {
	return c.table.Count(ctx)
}

// DeleteSynced removes every record that came from or was confirmed by the
// server and resets the pull watermark. Unsynced local writes survive.
func (c *Collection) DeleteSynced(ctx context.Context) (int, error) {
	n, err := c.table.DeleteWhere(ctx, models.Record.IsSynced)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", c.model.Name, err)
	}
	meta := &models.SyncMetadata{ModelKey: c.model.StoreName}
	if err := store.Save(ctx, c.store, store.MetadataTable, c.model.StoreName, meta); err != nil {
		return n, fmt.Errorf("reset sync metadata %s: %w", c.model.Name, err)
	}
	return n, nil
}

// LastSync returns the pull watermark, or nil if the model was never pulled.
func (c *Collection) LastSync(ctx context.Context) (*time.Time, error) {
	meta, err := store.Load[models.SyncMetadata](ctx, c.store, store.MetadataTable, c.model.StoreName)
	if err != nil || meta == nil {
		return nil, err
	}
	return meta.LastSync, nil
}

// AdvanceLastSync moves the pull watermark to t. An older t is ignored.
func (c *Collection) AdvanceLastSync(ctx context.Context, t time.Time) error {
	t = t.UTC()
	return store.Update(ctx, c.store, store.MetadataTable, c.model.StoreName, func(meta *models.SyncMetadata) (*models.SyncMetadata, error) {
		if meta == nil {
			meta = &models.SyncMetadata{ModelKey: c.model.StoreName}
		}
		if meta.LastSync != nil && !t.After(*meta.LastSync) {
			return nil, nil
		}
		meta.LastSync = &t
		return meta, nil
	})
}

// ApplyPull reconciles rows returned by a delta query. Soft-deleted rows are
// removed, known rows updated and new rows inserted, each stamped as synced.
// Nothing is queued for push.
func (c *Collection) ApplyPull(ctx context.Context, rows []models.Record) error {
	for _, row := range rows {
		rec := c.model.FromRemote(row)
		id, ok := rec.ID(c.model.PrimaryKey)
		if !ok {
			c.logger.Warn("pulled row without primary key", "row", row)
			continue
		}

		if c.model.IsDeleted(rec) {
			if err := c.table.Delete(ctx, id); err != nil {
				return fmt.Errorf("pull delete %s/%s: %w", c.model.Name, id, err)
			}
			c.publish(models.EventPullDelete, rec)
			continue
		}

		rec.Stamp(c.now())
		n, merged, err := c.table.Update(ctx, id, rec)
		if err != nil {
			return fmt.Errorf("pull update %s/%s: %w", c.model.Name, id, err)
		}
		if n == 1 {
			c.publish(models.EventPullUpdate, merged)
			continue
		}

		if err := c.table.Put(ctx, id, rec); err != nil {
			return fmt.Errorf("pull add %s/%s: %w", c.model.Name, id, err)
		}
		c.publish(models.EventPullAdd, rec)
	}
	return nil
}

// ApplyPushResult stores the row the server returned for an acknowledged
// mutation and stamps the local record as synced. Soft-deleted rows and rows
// removed locally meanwhile are left alone.
func (c *Collection) ApplyPushResult(ctx context.Context, row models.Record) error {
	rec := c.model.FromRemote(row)
	if c.model.IsDeleted(rec) {
		return nil
	}
	id, ok := rec.ID(c.model.PrimaryKey)
	if !ok {
		return fmt.Errorf("push result %s: %w", c.model.Name, ErrMissingPrimaryKey)
	}
	rec.Stamp(c.now())
	if _, _, err := c.table.Update(ctx, id, rec); err != nil {
		return fmt.Errorf("push result %s/%s: %w", c.model.Name, id, err)
	}
	return nil
}
