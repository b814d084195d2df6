package types

import (
	"context"
)

// Record is a single document in a durable store collection.
type Record map[string]interface{}

type CollectionSchema struct {
	Name       string   `yaml:"name" json:"name" validate:"required"`
	PrimaryKey string   `yaml:"primary_key" json:"primary_key" validate:"required"`
	Indexes    []string `yaml:"indexes" json:"indexes"`
}

type Schema struct {
	Version     int                `yaml:"version" json:"version" validate:"min=1"`
	Collections []CollectionSchema `yaml:"collections" json:"collections" validate:"dive"`
}

// Collection returns the schema of the named collection.
func (s Schema) Collection(name string) (CollectionSchema, bool) {
	for _, c := range s.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return CollectionSchema{}, false
}

// MigrateFunc runs when an existing store is opened with a newer schema version.
type MigrateFunc func(ctx context.Context, store Store, fromVersion, toVersion int) error

type Store interface {
	Initialize(ctx context.Context) error
	Save(ctx context.Context, collection string, record Record) error
	Get(ctx context.Context, collection, key string) (Record, error)
	GetAll(ctx context.Context, collection string) ([]Record, error)
	GetByIndex(ctx context.Context, collection, index string, value interface{}) ([]Record, error)
	Delete(ctx context.Context, collection, key string) error
	Close() error
}

type StoreCreator func(config *StoreConfig, schema Schema) (Store, error)

const (
	PendingOperationsCollection = "pendingOperations"
	SyncQueueCollection         = "syncQueue"
)
