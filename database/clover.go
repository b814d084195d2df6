package database

import (
	"context"
	"sync"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-datasync/types"
	"github.com/saiset-co/sai-datasync/utils"
)

type CloverConfig struct {
	Migrate types.MigrateFunc `json:"-"`
}

// CloverStore persists collections in a clover document database on disk.
// Secondary index lookups are field equality queries.
type CloverStore struct {
	db      *clover.DB
	logger  types.Logger
	config  *types.StoreConfig
	schema  types.Schema
	migrate types.MigrateFunc
	mu      sync.RWMutex
}

func NewCloverStore(config *types.StoreConfig, schema types.Schema, logger types.Logger) (*CloverStore, error) {
	store := &CloverStore{
		logger: logger,
		config: config,
		schema: schema,
	}

	if cfg, ok := config.Config.(*CloverConfig); ok && cfg != nil {
		store.migrate = cfg.Migrate
	}

	return store, nil
}

func (c *CloverStore) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return nil
	}

	db, err := clover.Open(c.config.Path)
	if err != nil {
		return types.WrapError(err, "failed to open CloverDB")
	}

	for _, collection := range append([]string{schemaCollection}, c.collectionNames()...) {
		exists, err := db.HasCollection(collection)
		if err != nil {
			_ = db.Close()
			return types.WrapError(err, "failed to check collection existence")
		}
		if exists {
			continue
		}
		if err := db.CreateCollection(collection); err != nil {
			_ = db.Close()
			return types.WrapError(err, "failed to create collection")
		}
	}

	c.db = db

	stored, err := c.storedVersion()
	if err != nil {
		c.db = nil
		_ = db.Close()
		return err
	}

	if stored != c.schema.Version {
		if stored > 0 && stored < c.schema.Version && c.migrate != nil {
			c.mu.Unlock()
			err = c.migrate(ctx, c, stored, c.schema.Version)
			c.mu.Lock()
			if err != nil {
				return types.WrapError(err, "schema migration failed")
			}
		}

		if err := c.writeVersion(c.schema.Version); err != nil {
			return err
		}

		c.logger.Info("CloverDB schema version updated",
			zap.Int("from", stored),
			zap.Int("to", c.schema.Version))
	}

	return nil
}

func (c *CloverStore) Save(ctx context.Context, collection string, record types.Record) error {
	db, schema, err := c.prepare(collection)
	if err != nil {
		return err
	}

	key, err := primaryKeyOf(schema, record)
	if err != nil {
		return err
	}

	normalized, err := utils.ToRecord(record)
	if err != nil {
		return types.WrapError(err, "failed to encode record")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := db.Query(collection).Where(clover.Field(schema.PrimaryKey).Eq(key)).Delete(); err != nil {
		return types.WrapError(err, "failed to replace document")
	}

	normalized[schema.PrimaryKey] = key
	doc := clover.NewDocument()
	for field, value := range normalized {
		doc.Set(field, value)
	}

	if err := db.Insert(collection, doc); err != nil {
		return types.WrapError(err, "failed to insert document")
	}

	return nil
}

func (c *CloverStore) Get(ctx context.Context, collection, key string) (types.Record, error) {
	db, schema, err := c.prepare(collection)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	docs, err := db.Query(collection).Where(clover.Field(schema.PrimaryKey).Eq(key)).FindAll()
	c.mu.RUnlock()
	if err != nil {
		return nil, types.WrapError(err, "failed to find document")
	}

	if len(docs) == 0 {
		return nil, types.Errorf(types.ErrRecordNotFound, "collection %s, key %s", collection, key)
	}

	return toRecord(docs[0])
}

func (c *CloverStore) GetAll(ctx context.Context, collection string) ([]types.Record, error) {
	db, _, err := c.prepare(collection)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	docs, err := db.Query(collection).FindAll()
	c.mu.RUnlock()
	if err != nil {
		return nil, types.WrapError(err, "failed to find documents")
	}

	return toRecords(docs)
}

func (c *CloverStore) GetByIndex(ctx context.Context, collection, index string, value interface{}) ([]types.Record, error) {
	db, _, err := c.prepare(collection)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	docs, err := db.Query(collection).FindAll()
	c.mu.RUnlock()
	if err != nil {
		return nil, types.WrapError(err, "failed to find documents")
	}

	// clover compares numbers by concrete type, so equality is evaluated on
	// the normalized form instead of with a Where clause.
	records, err := toRecords(docs)
	if err != nil {
		return nil, err
	}

	want := indexValue(value)
	matched := make([]types.Record, 0)
	for _, record := range records {
		if v, ok := record[index]; ok && v != nil && indexValue(v) == want {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

func (c *CloverStore) Delete(ctx context.Context, collection, key string) error {
	db, schema, err := c.prepare(collection)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := db.Query(collection).Where(clover.Field(schema.PrimaryKey).Eq(key)).Delete(); err != nil {
		return types.WrapError(err, "failed to delete document")
	}
	return nil
}

func (c *CloverStore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}

	err := c.db.Close()
	c.db = nil
	if err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}
	return nil
}

func (c *CloverStore) prepare(collection string) (*clover.DB, types.CollectionSchema, error) {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()

	if db == nil {
		return nil, types.CollectionSchema{}, types.ErrStoreNotInitialized
	}

	schema, ok := c.schema.Collection(collection)
	if !ok {
		return nil, types.CollectionSchema{}, types.Errorf(types.ErrCollectionNotFound, "collection: %s", collection)
	}

	return db, schema, nil
}

func (c *CloverStore) collectionNames() []string {
	names := make([]string, 0, len(c.schema.Collections))
	for _, col := range c.schema.Collections {
		names = append(names, col.Name)
	}
	return names
}

func (c *CloverStore) storedVersion() (int, error) {
	docs, err := c.db.Query(schemaCollection).FindAll()
	if err != nil {
		return 0, types.WrapError(err, "failed to read schema version")
	}

	if len(docs) == 0 {
		return 0, nil
	}

	record, err := toRecord(docs[0])
	if err != nil {
		return 0, err
	}

	version, _ := record["version"].(float64)
	return int(version), nil
}

func (c *CloverStore) writeVersion(version int) error {
	if err := c.db.Query(schemaCollection).Delete(); err != nil {
		return types.WrapError(err, "failed to reset schema version")
	}

	doc := clover.NewDocument()
	doc.Set("version", version)

	if err := c.db.Insert(schemaCollection, doc); err != nil {
		return types.WrapError(err, "failed to write schema version")
	}
	return nil
}

func toRecord(doc *clover.Document) (types.Record, error) {
	raw := make(map[string]interface{})
	if err := doc.Unmarshal(&raw); err != nil {
		return nil, types.WrapError(err, "failed to decode document")
	}

	delete(raw, "_id")

	record, err := utils.ToRecord(raw)
	if err != nil {
		return nil, types.WrapError(err, "failed to normalize document")
	}
	return record, nil
}

func toRecords(docs []*clover.Document) ([]types.Record, error) {
	records := make([]types.Record, 0, len(docs))
	for _, doc := range docs {
		record, err := toRecord(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
