package database

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-datasync/types"
	"github.com/saiset-co/sai-datasync/utils"
)

type RedisConfig struct {
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	Password     string            `json:"password"`
	DB           int               `json:"db"`
	PoolSize     int               `json:"pool_size"`
	DialTimeout  time.Duration     `json:"dial_timeout"`
	ReadTimeout  time.Duration     `json:"read_timeout"`
	WriteTimeout time.Duration     `json:"write_timeout"`
	KeyPrefix    string            `json:"key_prefix"`
	Migrate      types.MigrateFunc `json:"-"`
}

// RedisStore keeps each collection in a hash (primary key -> JSON record)
// and each secondary index value in a set of primary keys.
type RedisStore struct {
	client *redis.Client
	logger types.Logger
	config *RedisConfig
	schema types.Schema
	mu     sync.RWMutex
}

func NewRedisStore(config *types.StoreConfig, schema types.Schema, logger types.Logger) (*RedisStore, error) {
	redisConfig := &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "sai-datasync",
	}

	if config.Config != nil {
		if typed, ok := config.Config.(*RedisConfig); ok {
			redisConfig = typed
		} else if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis store config")
		}
	}

	return &RedisStore{
		logger: logger,
		config: redisConfig,
		schema: schema,
	}, nil
}

func (r *RedisStore) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         r.config.Host + ":" + strconv.Itoa(r.config.Port),
		Password:     r.config.Password,
		DB:           r.config.DB,
		PoolSize:     r.config.PoolSize,
		DialTimeout:  r.config.DialTimeout,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return types.WrapError(err, "failed to connect to redis")
	}

	stored, err := client.Get(ctx, r.versionKey()).Int()
	if err != nil && !types.IsError(err, redis.Nil) {
		_ = client.Close()
		return types.WrapError(err, "failed to read schema version")
	}

	r.client = client

	if stored != r.schema.Version {
		if stored > 0 && stored < r.schema.Version && r.config.Migrate != nil {
			r.mu.Unlock()
			err := r.config.Migrate(ctx, r, stored, r.schema.Version)
			r.mu.Lock()
			if err != nil {
				return types.WrapError(err, "schema migration failed")
			}
		}

		if err := client.Set(ctx, r.versionKey(), r.schema.Version, 0).Err(); err != nil {
			return types.WrapError(err, "failed to write schema version")
		}

		r.logger.Info("Redis schema version updated",
			zap.Int("from", stored),
			zap.Int("to", r.schema.Version))
	}

	return nil
}

func (r *RedisStore) Save(ctx context.Context, collection string, record types.Record) error {
	client, schema, err := r.prepare(collection)
	if err != nil {
		return err
	}

	key, err := primaryKeyOf(schema, record)
	if err != nil {
		return err
	}

	data, err := utils.Marshal(record)
	if err != nil {
		return types.WrapError(err, "failed to encode record")
	}

	previous, err := r.load(ctx, client, collection, key)
	if err != nil && !types.IsError(err, types.ErrRecordNotFound) {
		return err
	}

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, idx := range schema.Indexes {
			if previous != nil {
				if v, ok := previous[idx]; ok && v != nil {
					pipe.SRem(ctx, r.indexKey(collection, idx, v), key)
				}
			}
			if v, ok := record[idx]; ok && v != nil {
				pipe.SAdd(ctx, r.indexKey(collection, idx, v), key)
			}
		}
		pipe.HSet(ctx, r.collectionKey(collection), key, data)
		return nil
	})
	if err != nil {
		return types.WrapError(err, "failed to save record")
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, collection, key string) (types.Record, error) {
	client, _, err := r.prepare(collection)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, client, collection, key)
}

func (r *RedisStore) GetAll(ctx context.Context, collection string) ([]types.Record, error) {
	client, _, err := r.prepare(collection)
	if err != nil {
		return nil, err
	}

	all, err := client.HGetAll(ctx, r.collectionKey(collection)).Result()
	if err != nil {
		return nil, types.WrapError(err, "failed to read collection")
	}

	keys := make([]string, 0, len(all))
	for key := range all {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	records := make([]types.Record, 0, len(keys))
	for _, key := range keys {
		record, err := decodeRecord(all[key])
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (r *RedisStore) GetByIndex(ctx context.Context, collection, index string, value interface{}) ([]types.Record, error) {
	client, schema, err := r.prepare(collection)
	if err != nil {
		return nil, err
	}

	if index == schema.PrimaryKey {
		record, err := r.load(ctx, client, collection, indexValue(value))
		if types.IsError(err, types.ErrRecordNotFound) {
			return []types.Record{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []types.Record{record}, nil
	}

	keys, err := client.SMembers(ctx, r.indexKey(collection, index, value)).Result()
	if err != nil {
		return nil, types.WrapError(err, "failed to read index")
	}
	if len(keys) == 0 {
		return []types.Record{}, nil
	}
	sort.Strings(keys)

	values, err := client.HMGet(ctx, r.collectionKey(collection), keys...).Result()
	if err != nil {
		return nil, types.WrapError(err, "failed to read records")
	}

	records := make([]types.Record, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		record, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (r *RedisStore) Delete(ctx context.Context, collection, key string) error {
	client, schema, err := r.prepare(collection)
	if err != nil {
		return err
	}

	previous, err := r.load(ctx, client, collection, key)
	if types.IsError(err, types.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, idx := range schema.Indexes {
			if v, ok := previous[idx]; ok && v != nil {
				pipe.SRem(ctx, r.indexKey(collection, idx, v), key)
			}
		}
		pipe.HDel(ctx, r.collectionKey(collection), key)
		return nil
	})
	if err != nil {
		return types.WrapError(err, "failed to delete record")
	}
	return nil
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	return types.WrapError(err, "failed to close redis client")
}

func (r *RedisStore) prepare(collection string) (*redis.Client, types.CollectionSchema, error) {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()

	if client == nil {
		return nil, types.CollectionSchema{}, types.ErrStoreNotInitialized
	}

	schema, ok := r.schema.Collection(collection)
	if !ok {
		return nil, types.CollectionSchema{}, types.Errorf(types.ErrCollectionNotFound, "collection: %s", collection)
	}

	return client, schema, nil
}

func (r *RedisStore) load(ctx context.Context, client *redis.Client, collection, key string) (types.Record, error) {
	data, err := client.HGet(ctx, r.collectionKey(collection), key).Result()
	if types.IsError(err, redis.Nil) {
		return nil, types.Errorf(types.ErrRecordNotFound, "collection %s, key %s", collection, key)
	}
	if err != nil {
		return nil, types.WrapError(err, "failed to read record")
	}
	return decodeRecord(data)
}

func (r *RedisStore) versionKey() string {
	return r.config.KeyPrefix + ":" + schemaCollection + ":version"
}

func (r *RedisStore) collectionKey(collection string) string {
	return r.config.KeyPrefix + ":" + collection
}

func (r *RedisStore) indexKey(collection, index string, value interface{}) string {
	return r.config.KeyPrefix + ":" + collection + ":idx:" + index + ":" + indexValue(value)
}
