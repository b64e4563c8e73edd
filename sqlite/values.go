package sqlite

import (
	"context"
	"fmt"

	"github.com/asaidimu/go-kvschema/core/schema"
	"go.uber.org/zap"
)

// flagDeleted marks a record as deleted; deleted records keep their row.
const flagDeleted = 0x01

type storedValue struct {
	hashKey []byte
	value   []byte
}

// UpgradeValues checks every live value against newSchema and writes back the
// values that gained defaults. A value that does not conform fails the upgrade.
func (s *Store) UpgradeValues(ctx context.Context, newSchema *schema.Object) error {
	values, err := s.liveValues(ctx)
	if err != nil {
		return err
	}

	amended := 0
	for _, v := range values {
		out, changed, err := newSchema.CheckValue(v.value)
		if err != nil {
			return fmt.Errorf("record %x: %w", v.hashKey, err)
		}
		if !changed {
			continue
		}
		if _, err := s.exec(ctx, "UPDATE sync_data SET value = ? WHERE hash_key = ?;", out, v.hashKey); err != nil {
			return fmt.Errorf("record %x: %w", v.hashKey, err)
		}
		amended++
	}
	s.logger.Info("Values upgraded", zap.Int("checked", len(values)), zap.Int("amended", amended))
	return nil
}

// liveValues reads every non-deleted value. Rows are fully read before any update
// runs on the same transaction.
func (s *Store) liveValues(ctx context.Context) ([]storedValue, error) {
	rows, err := s.runner().QueryContext(ctx,
		"SELECT hash_key, value FROM sync_data WHERE (flag & ?) = 0 AND value IS NOT NULL;", flagDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to read values: %w", err)
	}
	defer rows.Close()

	var values []storedValue
	for rows.Next() {
		var v storedValue
		if err := rows.Scan(&v.hashKey, &v.value); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning values: %w", err)
	}
	return values, nil
}
