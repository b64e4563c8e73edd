package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/asaidimu/go-kvschema/core/schema"
	"github.com/asaidimu/go-kvschema/core/upgrade"
	"go.uber.org/zap"
)

// Metadata keys kept in the meta_data table.
const (
	MetaKeyVersion = "database_version"
	MetaKeySchema  = "database_schema"
)

const metaTable = "meta_data"

// readMeta returns the value stored under key. A missing meta_data table or a
// missing key both read as not found.
func (s *Store) readMeta(ctx context.Context, key string) (string, bool, error) {
	exists, err := s.tableExists(ctx, metaTable)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up %s table: %w", metaTable, err)
	}
	if !exists {
		return "", false, nil
	}

	var value []byte
	err = s.runner().QueryRowContext(ctx,
		"SELECT value FROM meta_data WHERE key = ?;", []byte(key)).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return string(value), true, nil
}

func (s *Store) writeMeta(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx,
		"INSERT OR REPLACE INTO meta_data (key, value) VALUES (?, ?);", []byte(key), []byte(value))
	if err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}

// DatabaseVersion returns the stored structural version, 0 for a new database.
func (s *Store) DatabaseVersion(ctx context.Context) (int, error) {
	text, found, err := s.readMeta(ctx, MetaKeyVersion)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	version, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("corrupt %s %q: %w", MetaKeyVersion, text, err)
	}
	return version, nil
}

// SetDatabaseVersion stores the structural version as decimal text.
func (s *Store) SetDatabaseVersion(ctx context.Context, version int) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.writeMeta(ctx, MetaKeyVersion, strconv.Itoa(version))
}

// DatabaseSchema returns the stored schema text, empty when the store has none.
func (s *Store) DatabaseSchema(ctx context.Context) (string, error) {
	text, _, err := s.readMeta(ctx, MetaKeySchema)
	return text, err
}

// SetDatabaseSchema stores the schema text.
func (s *Store) SetDatabaseSchema(ctx context.Context, text string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	return s.writeMeta(ctx, MetaKeySchema, text)
}

// Compare classifies moving the stored schema to newSchema without changing anything.
func (s *Store) Compare(ctx context.Context, newSchema *schema.Object) (schema.ComparisonResult, schema.IndexDifference, error) {
	text, err := s.DatabaseSchema(ctx)
	if err != nil {
		return schema.UnequalIncompatible, schema.NewIndexDifference(), err
	}
	ori := schema.Invalid()
	if text != "" {
		if parsed, err := schema.Parse(text); err == nil {
			ori = parsed
		} else {
			s.logger.Warn("Stored schema is unreadable, comparing as schemaless", zap.Error(err))
		}
	}
	return upgrade.Classify(ori, newSchema)
}
