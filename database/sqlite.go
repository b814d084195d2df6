package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-datasync/types"
	"github.com/saiset-co/sai-datasync/utils"
)

type SQLiteConfig struct {
	BusyTimeoutMs int               `json:"busy_timeout_ms"`
	Migrate       types.MigrateFunc `json:"-"`
}

// SQLiteStore keeps one table per collection with the record encoded as
// JSON; secondary indexes are json_extract expression indexes and the
// schema version lives in PRAGMA user_version.
type SQLiteStore struct {
	db     *sql.DB
	logger types.Logger
	config *types.StoreConfig
	sqlite *SQLiteConfig
	schema types.Schema
	mu     sync.RWMutex
}

func NewSQLiteStore(config *types.StoreConfig, schema types.Schema, logger types.Logger) (*SQLiteStore, error) {
	sqliteConfig := &SQLiteConfig{BusyTimeoutMs: 5000}

	if config.Config != nil {
		if typed, ok := config.Config.(*SQLiteConfig); ok {
			sqliteConfig = typed
		} else if err := utils.UnmarshalConfig(config.Config, sqliteConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite store config")
		}
	}

	return &SQLiteStore{
		logger: logger,
		config: config,
		sqlite: sqliteConfig,
		schema: schema,
	}, nil
}

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", s.config.Path, s.sqlite.BusyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return types.WrapError(err, "failed to open sqlite database")
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return types.WrapError(err, "failed to connect to sqlite database")
	}

	var stored int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&stored); err != nil {
		_ = db.Close()
		return types.WrapError(err, "failed to read schema version")
	}

	for _, c := range s.schema.Collections {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (pk TEXT PRIMARY KEY, data TEXT NOT NULL)`, c.Name)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return types.WrapError(err, "failed to create collection "+c.Name)
		}

		for _, idx := range c.Indexes {
			stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (json_extract(data, '$.%s'))`,
				c.Name+"_by_"+idx, c.Name, idx)
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				return types.WrapError(err, "failed to create index "+idx)
			}
		}
	}

	s.db = db

	if stored != s.schema.Version {
		if stored > 0 && stored < s.schema.Version && s.sqlite.Migrate != nil {
			s.mu.Unlock()
			err := s.sqlite.Migrate(ctx, s, stored, s.schema.Version)
			s.mu.Lock()
			if err != nil {
				return types.WrapError(err, "schema migration failed")
			}
		}

		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", s.schema.Version)); err != nil {
			return types.WrapError(err, "failed to write schema version")
		}

		s.logger.Info("SQLite schema version updated",
			zap.Int("from", stored),
			zap.Int("to", s.schema.Version))
	}

	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, collection string, record types.Record) error {
	db, schema, err := s.prepare(collection)
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

	stmt := fmt.Sprintf(`INSERT INTO %q (pk, data) VALUES (?, ?) ON CONFLICT(pk) DO UPDATE SET data = excluded.data`, collection)
	if _, err := db.ExecContext(ctx, stmt, key, string(data)); err != nil {
		return types.WrapError(err, "failed to save record")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, key string) (types.Record, error) {
	db, _, err := s.prepare(collection)
	if err != nil {
		return nil, err
	}

	var data string
	err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %q WHERE pk = ?`, collection), key).Scan(&data)
	if types.IsError(err, sql.ErrNoRows) {
		return nil, types.Errorf(types.ErrRecordNotFound, "collection %s, key %s", collection, key)
	}
	if err != nil {
		return nil, types.WrapError(err, "failed to read record")
	}

	return decodeRecord(data)
}

func (s *SQLiteStore) GetAll(ctx context.Context, collection string) ([]types.Record, error) {
	db, _, err := s.prepare(collection)
	if err != nil {
		return nil, err
	}

	return s.query(ctx, db, fmt.Sprintf(`SELECT data FROM %q ORDER BY rowid`, collection))
}

func (s *SQLiteStore) GetByIndex(ctx context.Context, collection, index string, value interface{}) ([]types.Record, error) {
	db, schema, err := s.prepare(collection)
	if err != nil {
		return nil, err
	}

	if !identifierRe.MatchString(index) {
		return nil, types.Errorf(types.ErrInvalidIdentifier, "index %q", index)
	}

	if index == schema.PrimaryKey {
		return s.query(ctx, db, fmt.Sprintf(`SELECT data FROM %q WHERE pk = ?`, collection), indexValue(value))
	}

	stmt := fmt.Sprintf(`SELECT data FROM %q WHERE json_extract(data, '$.%s') = ? ORDER BY rowid`, collection, index)
	return s.query(ctx, db, stmt, value)
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, key string) error {
	db, _, err := s.prepare(collection)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE pk = ?`, collection), key); err != nil {
		return types.WrapError(err, "failed to delete record")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	return types.WrapError(err, "failed to close sqlite database")
}

func (s *SQLiteStore) prepare(collection string) (*sql.DB, types.CollectionSchema, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	if db == nil {
		return nil, types.CollectionSchema{}, types.ErrStoreNotInitialized
	}

	schema, ok := s.schema.Collection(collection)
	if !ok {
		return nil, types.CollectionSchema{}, types.Errorf(types.ErrCollectionNotFound, "collection: %s", collection)
	}

	return db, schema, nil
}

func (s *SQLiteStore) query(ctx context.Context, db *sql.DB, stmt string, args ...interface{}) ([]types.Record, error) {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, types.WrapError(err, "failed to query records")
	}
	defer rows.Close()

	records := make([]types.Record, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, types.WrapError(err, "failed to scan record")
		}

		record, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, types.WrapError(err, "failed to iterate records")
	}
	return records, nil
}

func decodeRecord(data string) (types.Record, error) {
	record := make(types.Record)
	if err := utils.Unmarshal([]byte(data), &record); err != nil {
		return nil, types.WrapError(err, "failed to decode record")
	}
	return record, nil
}
