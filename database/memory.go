package database

import (
	"context"
	"sync"

	"github.com/saiset-co/sai-datasync/types"
	"github.com/saiset-co/sai-datasync/utils"
)

type memoryCollection struct {
	schema  types.CollectionSchema
	records map[string]types.Record
	order   []string
}

// MemoryStore keeps collections in process memory. Records are copied on
// the way in and out, so callers never share maps with the store.
type MemoryStore struct {
	logger      types.Logger
	schema      types.Schema
	collections map[string]*memoryCollection
	version     int
	mu          sync.RWMutex
}

func NewMemoryStore(schema types.Schema, logger types.Logger) (*MemoryStore, error) {
	return &MemoryStore{
		logger:      logger,
		schema:      schema,
		collections: make(map[string]*memoryCollection),
	}, nil
}

func (m *MemoryStore) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.schema.Collections {
		if _, exists := m.collections[c.Name]; !exists {
			m.collections[c.Name] = &memoryCollection{
				schema:  c,
				records: make(map[string]types.Record),
			}
		}
	}

	m.version = m.schema.Version
	return nil
}

func (m *MemoryStore) Save(ctx context.Context, collection string, record types.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(collection)
	if err != nil {
		return err
	}

	key, err := primaryKeyOf(c.schema, record)
	if err != nil {
		return err
	}

	stored, err := utils.ToRecord(record)
	if err != nil {
		return types.WrapError(err, "failed to encode record")
	}

	if _, exists := c.records[key]; !exists {
		c.order = append(c.order, key)
	}
	c.records[key] = stored
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, collection, key string) (types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}

	record, exists := c.records[key]
	if !exists {
		return nil, types.Errorf(types.ErrRecordNotFound, "collection %s, key %s", collection, key)
	}
	return copyRecord(record), nil
}

func (m *MemoryStore) GetAll(ctx context.Context, collection string) ([]types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}

	records := make([]types.Record, 0, len(c.order))
	for _, key := range c.order {
		records = append(records, copyRecord(c.records[key]))
	}
	return records, nil
}

func (m *MemoryStore) GetByIndex(ctx context.Context, collection, index string, value interface{}) ([]types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}

	want := indexValue(value)
	records := make([]types.Record, 0)
	for _, key := range c.order {
		record := c.records[key]
		if v, ok := record[index]; ok && v != nil && indexValue(v) == want {
			records = append(records, copyRecord(record))
		}
	}
	return records, nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(collection)
	if err != nil {
		return err
	}

	if _, exists := c.records[key]; !exists {
		return nil
	}

	delete(c.records, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Version reports the schema version recorded at initialization.
func (m *MemoryStore) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func (m *MemoryStore) collection(name string) (*memoryCollection, error) {
	c, exists := m.collections[name]
	if !exists {
		return nil, types.Errorf(types.ErrCollectionNotFound, "collection: %s", name)
	}
	return c, nil
}

func copyRecord(record types.Record) types.Record {
	out := make(types.Record, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out
}
