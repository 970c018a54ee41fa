// Package datastore is the local CRUD surface over the replicated models.
// Writes go to the local store first and are then handed to the model's
// replicator; reads never touch the network.
package datastore

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/replica/internal/broadcast"
	"github.com/kilupskalvis/replica/internal/models"
	"github.com/kilupskalvis/replica/internal/store"
)

// Errors returned by collections.
var (
	ErrNotFound          = errors.New("record not found")
	ErrMissingPrimaryKey = errors.New("missing primary key")
	ErrUnknownCollection = errors.New("unknown collection")
)

// DataStore owns the local store and one Collection per model.
type DataStore struct {
	store       store.LocalStore
	collections map[string]*Collection
	order       []*Collection
	logger      *slog.Logger
}

// New validates the schema, creates the model tables, and returns a DataStore.
func New(st store.LocalStore, schema []models.Model, logger *slog.Logger) (*DataStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ds := &DataStore{
		store:       st,
		collections: make(map[string]*Collection, len(schema)),
		logger:      logger,
	}

	tables := make([]string, 0, len(schema))
	for i := range schema {
		m := schema[i]
		m.Normalize()
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := ds.collections[m.Name]; dup {
			return nil, fmt.Errorf("model %s declared twice", m.Name)
		}
		c := newCollection(&m, st, logger)
		ds.collections[m.Name] = c
		ds.order = append(ds.order, c)
		tables = append(tables, m.StoreName)
	}

	if err := st.Initialize(tables...); err != nil {
		return nil, fmt.Errorf("initialize tables: %w", err)
	}
	return ds, nil
}

// Store returns the underlying local store.
func (d *DataStore) Store() store.LocalStore {
	return d.store
}

// Collection returns the collection of the named model.
func (d *DataStore) Collection(name string) (*Collection, error) {
	c, ok := d.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return c, nil
}

// Collections returns every collection in declaration order.
func (d *DataStore) Collections() []*Collection {
	return d.order
}

// Close closes the local store.
func (d *DataStore) Close() error {
	return d.store.Close()
}

func newCollection(m *models.Model, st store.LocalStore, logger *slog.Logger) *Collection {
	return &Collection{
		model:  m,
		store:  st,
		table:  store.NewTable(st, m.StoreName),
		events: broadcast.New[models.ChangeEvent](),
		logger: logger.With("model", m.Name),
		now:    time.Now,
	}
}
