package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/asaidimu/go-kvschema/core/schema"
	"go.uber.org/zap"
)

// schemaIndexPrefix keeps schema indexes apart from the structural ones.
const schemaIndexPrefix = "schema_index_"

// IndexName is the SQLite name of the schema index called name.
func IndexName(name string) string {
	return schemaIndexPrefix + name
}

// UpgradeIndexes drops every index in diff.Decrease, then rebuilds every index in
// diff.Increase. An index whose definition changed is dropped before it is created.
func (s *Store) UpgradeIndexes(ctx context.Context, newSchema *schema.Object, diff schema.IndexDifference) error {
	for _, name := range sortedKeys(diff.Decrease) {
		if err := s.dropIndex(ctx, name); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(diff.Increase) {
		if err := s.dropIndex(ctx, name); err != nil {
			return err
		}
		stmt := CreateIndexSQL(name, diff.Increase[name], newSchema.SkipSize())
		if _, err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}
	s.logger.Info("Indexes upgraded",
		zap.Int("created", len(diff.Increase)),
		zap.Int("dropped", len(diff.Decrease)),
	)
	return nil
}

func (s *Store) dropIndex(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("DROP INDEX IF EXISTS %s;", quoteIdentifier(IndexName(name)))
	if _, err := s.exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop index %s: %w", name, err)
	}
	return nil
}

// CreateIndexSQL generates the statement that builds a schema index over the JSON
// body of sync_data values. Deleted records are left out of the index.
func CreateIndexSQL(name string, info schema.IndexInfo, skipSize uint32) string {
	parts := make([]string, len(info))
	for i, field := range info {
		parts[i] = valueExtractSQL(field.Path, skipSize)
	}

	var sb strings.Builder
	sb.WriteString("CREATE INDEX IF NOT EXISTS ")
	sb.WriteString(quoteIdentifier(IndexName(name)))
	sb.WriteString(" ON sync_data (")
	sb.WriteString(strings.Join(parts, ", "))
	sb.WriteString(fmt.Sprintf(") WHERE (flag & %d) = 0;", flagDeleted))
	return sb.String()
}

// valueExtractSQL reads the field at path from a value whose first skipSize bytes
// are not JSON. The body is cast to TEXT so SQLite never reads it as binary JSON.
func valueExtractSQL(path schema.FieldPath, skipSize uint32) string {
	jsonPath := strings.ReplaceAll(path.String(), "'", "''")
	return fmt.Sprintf("json_extract(CAST(substr(value, %d) AS TEXT), '%s')", skipSize+1, jsonPath)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
