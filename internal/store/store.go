// Package store provides the local persistence layer for replica.
// Every model owns a table of JSON rows keyed by primary key; three reserved
// tables hold sync metadata and the per-model mutation and upload queues.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved tables.
const (
	MetadataTable      = "_metadata"
	MutationQueueTable = "_mutation_queue"
	UploadQueueTable   = "_upload_queue"
)

// Supported drivers.
const (
	DriverBolt   = "bbolt"
	DriverSQLite = "sqlite"
)

// ErrTableNotFound is returned when a table was never initialized.
var ErrTableNotFound = errors.New("table not found")

// MutateFunc receives the current row (nil if absent) and returns the row to
// persist. Returning nil data leaves the row untouched.
type MutateFunc func(current []byte) ([]byte, error)

// LocalStore is a durable key-value store partitioned into named tables.
type LocalStore interface {
	// Initialize creates the reserved tables and any additional named tables.
	Initialize(tables ...string) error

	// Get returns the raw row, or nil if absent.
	Get(ctx context.Context, table, key string) ([]byte, error)
	Put(ctx context.Context, table, key string, data []byte) error
	Delete(ctx context.Context, table, key string) error

	// Mutate performs an atomic read-modify-write of a single row.
	Mutate(ctx context.Context, table, key string, fn MutateFunc) error

	// ForEach visits rows in key order.
	ForEach(ctx context.Context, table string, fn func(key string, data []byte) error) error

	Close() error
}

// Open opens a store with the given driver.
func Open(driver, path string) (LocalStore, error) {
	switch driver {
	case "", DriverBolt:
		return NewBolt(path)
	case DriverSQLite:
		return NewSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func reservedTables(extra []string) []string {
	return append([]string{MetadataTable, MutationQueueTable, UploadQueueTable}, extra...)
}

// Load decodes the row at key into a value of type T. It returns (nil, nil)
// if the row does not exist.
func Load[T any](ctx context.Context, s LocalStore, table, key string) (*T, error) {
	data, err := s.Get(ctx, table, key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s/%s: %w", table, key, err)
	}
	return &v, nil
}

// Save encodes v as the row at key.
func Save[T any](ctx context.Context, s LocalStore, table, key string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", table, key, err)
	}
	return s.Put(ctx, table, key, data)
}

// Update atomically loads the row at key, applies fn, and saves the result.
// fn receives nil when the row does not exist; returning nil skips the write.
func Update[T any](ctx context.Context, s LocalStore, table, key string, fn func(current *T) (*T, error)) error {
	return s.Mutate(ctx, table, key, func(data []byte) ([]byte, error) {
		var current *T
		if data != nil {
			current = new(T)
			if err := json.Unmarshal(data, current); err != nil {
				return nil, fmt.Errorf("unmarshal %s/%s: %w", table, key, err)
			}
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return nil, err
		}
		out, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal %s/%s: %w", table, key, err)
		}
		return out, nil
	})
}
