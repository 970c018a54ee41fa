package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/replica/internal/models"
)

// Table is a record-typed view over one table of a LocalStore.
type Table struct {
	store LocalStore
	name  string
}

// NewTable returns a view of the named table.
func NewTable(s LocalStore, name string) *Table {
	return &Table{store: s, name: name}
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Get returns the record stored at key, or (nil, nil) if absent.
func (t *Table) Get(ctx context.Context, key string) (models.Record, error) {
	data, err := t.store.Get(ctx, t.name, key)
	if err != nil || data == nil {
		return nil, err
	}
	return decodeRecord(t.name, key, data)
}

// Put stores rec at key, replacing any existing row.
func (t *Table) Put(ctx context.Context, key string, rec models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", t.name, key, err)
	}
	return t.store.Put(ctx, t.name, key, data)
}

// Update merges changes into the row at key and returns the number of rows
// modified (0 or 1) together with the merged record.
func (t *Table) Update(ctx context.Context, key string, changes models.Record) (int, models.Record, error) {
	var merged models.Record
	err := t.store.Mutate(ctx, t.name, key, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		rec, err := decodeRecord(t.name, key, current)
		if err != nil {
			return nil, err
		}
		merged = rec.Merge(changes)
		return json.Marshal(merged)
	})
	if err != nil {
		return 0, nil, err
	}
	if merged == nil {
		return 0, nil, nil
	}
	return 1, merged, nil
}

// Delete removes the row at key. Deleting a missing row is not an error.
func (t *Table) Delete(ctx context.Context, key string) error {
	return t.store.Delete(ctx, t.name, key)
}

// All returns every record in key order.
func (t *Table) All(ctx context.Context) ([]models.Record, error) {
	return t.Filter(ctx, nil)
}

// Filter returns the records matching pred in key order. A nil pred matches all.
func (t *Table) Filter(ctx context.Context, pred func(models.Record) bool) ([]models.Record, error) {
	var out []models.Record
	err := t.store.ForEach(ctx, t.name, func(key string, data []byte) error {
		rec, err := decodeRecord(t.name, key, data)
		if err != nil {
			return err
		}
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// DeleteWhere removes every record matching pred and returns how many were removed.
func (t *Table) DeleteWhere(ctx context.Context, pred func(models.Record) bool) (int, error) {
	var keys []string
	err := t.store.ForEach(ctx, t.name, func(key string, data []byte) error {
		rec, err := decodeRecord(t.name, key, data)
		if err != nil {
			return err
		}
		if pred(rec) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := t.store.Delete(ctx, t.name, k); err != nil {
			return 0, fmt.Errorf("delete %s/%s: %w", t.name, k, err)
		}
	}
	return len(keys), nil
}

// Count returns the number of records in the table.
func (t *Table) Count(ctx context.Context) (int, error) {
	n := 0
	err := t.store.ForEach(ctx, t.name, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

func decodeRecord(table, key string, data []byte) (models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal %s/%s: %w", table, key, err)
	}
	return rec, nil
}
