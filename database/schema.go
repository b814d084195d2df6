package database

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/saiset-co/sai-datasync/types"
)

const schemaCollection = "_schema"

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DefaultSchema describes the collections the orchestration core relies on
// plus one entity collection per service, each keyed by "id".
func DefaultSchema(version int, entityCollections ...string) types.Schema {
	schema := types.Schema{
		Version: version,
		Collections: []types.CollectionSchema{
			{Name: types.PendingOperationsCollection, PrimaryKey: "id", Indexes: []string{"timestamp", "service"}},
			{Name: types.SyncQueueCollection, PrimaryKey: "id", Indexes: []string{"status"}},
		},
	}

	for _, name := range entityCollections {
		schema.Collections = append(schema.Collections, types.CollectionSchema{
			Name:       name,
			PrimaryKey: "id",
			Indexes:    []string{"updated_at"},
		})
	}

	return schema
}

func validateSchema(schema types.Schema) error {
	if schema.Version < 1 {
		return types.Errorf(types.ErrInvalidParameter, "schema version must be >= 1, got %d", schema.Version)
	}

	for _, c := range schema.Collections {
		if !identifierRe.MatchString(c.Name) || c.Name == schemaCollection {
			return types.Errorf(types.ErrInvalidIdentifier, "collection %q", c.Name)
		}
		if !identifierRe.MatchString(c.PrimaryKey) {
			return types.Errorf(types.ErrInvalidIdentifier, "primary key %q", c.PrimaryKey)
		}
		for _, idx := range c.Indexes {
			if !identifierRe.MatchString(idx) {
				return types.Errorf(types.ErrInvalidIdentifier, "index %q", idx)
			}
		}
	}

	return nil
}

func primaryKeyOf(c types.CollectionSchema, record types.Record) (string, error) {
	value, ok := record[c.PrimaryKey]
	if !ok || value == nil {
		return "", types.Errorf(types.ErrPrimaryKeyMissing, "collection %s, field %s", c.Name, c.PrimaryKey)
	}

	key := indexValue(value)
	if key == "" {
		return "", types.Errorf(types.ErrPrimaryKeyMissing, "collection %s, field %s", c.Name, c.PrimaryKey)
	}
	return key, nil
}

func hasIndex(c types.CollectionSchema, index string) bool {
	if index == c.PrimaryKey {
		return true
	}
	for _, idx := range c.Indexes {
		if idx == index {
			return true
		}
	}
	return false
}

// indexValue renders a field value in a form that compares equal for
// numbers decoded from JSON (float64) and numbers passed by callers (ints).
func indexValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return indexValue(float64(v))
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
