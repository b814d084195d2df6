package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-datasync/types"
)

var (
	customStoreCreators   = make(map[string]types.StoreCreator)
	customStoreCreatorsMu sync.RWMutex
)

func RegisterStore(storeType string, creator types.StoreCreator) {
	customStoreCreatorsMu.Lock()
	defer customStoreCreatorsMu.Unlock()

	customStoreCreators[storeType] = creator
}

// NewStore builds the backend named by config.Type. The returned store must
// be initialized before use.
func NewStore(config *types.StoreConfig, schema types.Schema, logger types.Logger) (types.Store, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	if err := validateSchema(schema); err != nil {
		return nil, err
	}

	var impl types.Store
	var err error

	switch config.Type {
	case "clover":
		impl, err = NewCloverStore(config, schema, logger)
	case "sqlite":
		impl, err = NewSQLiteStore(config, schema, logger)
	case "redis":
		impl, err = NewRedisStore(config, schema, logger)
	case "memory":
		impl, err = NewMemoryStore(schema, logger)
	default:
		customStoreCreatorsMu.RLock()
		creator, exists := customStoreCreators[config.Type]
		customStoreCreatorsMu.RUnlock()

		if !exists {
			return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", config.Type)
		}
		impl, err = creator(config, schema)
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedStore(logger, schema, config.Type, impl), nil
}

// instrumentedStore guards every call on initialization, validates
// collection and index names against the schema, and logs timings.
type instrumentedStore struct {
	impl        types.Store
	logger      types.Logger
	schema      types.Schema
	backend     string
	initialized atomic.Bool
	initMu      sync.Mutex
}

func newInstrumentedStore(logger types.Logger, schema types.Schema, backend string, impl types.Store) types.Store {
	return &instrumentedStore{
		impl:    impl,
		logger:  logger,
		schema:  schema,
		backend: backend,
	}
}

func (s *instrumentedStore) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized.Load() {
		return nil
	}

	if err := s.impl.Initialize(ctx); err != nil {
		s.logger.Error("Failed to initialize store", zap.String("backend", s.backend), zap.Error(err))
		return err
	}

	s.initialized.Store(true)
	s.logger.Info("Store initialized",
		zap.String("backend", s.backend),
		zap.Int("schema_version", s.schema.Version),
		zap.Int("collections", len(s.schema.Collections)))
	return nil
}

func (s *instrumentedStore) Save(ctx context.Context, collection string, record types.Record) error {
	c, err := s.check(collection)
	if err != nil {
		return err
	}

	if _, err := primaryKeyOf(c, record); err != nil {
		return err
	}

	start := time.Now()
	err = s.impl.Save(ctx, collection, record)
	s.trace("save", collection, start, err)
	return err
}

func (s *instrumentedStore) Get(ctx context.Context, collection, key string) (types.Record, error) {
	if _, err := s.check(collection); err != nil {
		return nil, err
	}

	start := time.Now()
	record, err := s.impl.Get(ctx, collection, key)
	if !types.IsError(err, types.ErrRecordNotFound) {
		s.trace("get", collection, start, err)
	}
	return record, err
}

func (s *instrumentedStore) GetAll(ctx context.Context, collection string) ([]types.Record, error) {
	if _, err := s.check(collection); err != nil {
		return nil, err
	}

	start := time.Now()
	records, err := s.impl.GetAll(ctx, collection)
	s.trace("get_all", collection, start, err)
	return records, err
}

func (s *instrumentedStore) GetByIndex(ctx context.Context, collection, index string, value interface{}) ([]types.Record, error) {
	c, err := s.check(collection)
	if err != nil {
		return nil, err
	}

	if !hasIndex(c, index) {
		return nil, types.Errorf(types.ErrIndexNotFound, "collection %s, index %s", collection, index)
	}

	start := time.Now()
	records, err := s.impl.GetByIndex(ctx, collection, index, value)
	s.trace("get_by_index", collection, start, err)
	return records, err
}

func (s *instrumentedStore) Delete(ctx context.Context, collection, key string) error {
	if _, err := s.check(collection); err != nil {
		return err
	}

	start := time.Now()
	err := s.impl.Delete(ctx, collection, key)
	s.trace("delete", collection, start, err)
	return err
}

func (s *instrumentedStore) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if !s.initialized.Swap(false) {
		return nil
	}

	if err := s.impl.Close(); err != nil {
		s.logger.Error("Failed to close store", zap.String("backend", s.backend), zap.Error(err))
		return err
	}

	s.logger.Info("Store closed", zap.String("backend", s.backend))
	return nil
}

func (s *instrumentedStore) check(collection string) (types.CollectionSchema, error) {
	if !s.initialized.Load() {
		return types.CollectionSchema{}, types.ErrStoreNotInitialized
	}

	c, ok := s.schema.Collection(collection)
	if !ok {
		return types.CollectionSchema{}, types.Errorf(types.ErrCollectionNotFound, "collection: %s", collection)
	}
	return c, nil
}

func (s *instrumentedStore) trace(op, collection string, start time.Time, err error) {
	if err != nil {
		s.logger.Warn("Store operation failed",
			zap.String("backend", s.backend),
			zap.String("op", op),
			zap.String("collection", collection),
			zap.Error(err))
		return
	}

	s.logger.Debug("Store operation",
		zap.String("backend", s.backend),
		zap.String("op", op),
		zap.String("collection", collection),
		zap.Duration("duration", time.Since(start)))
}
