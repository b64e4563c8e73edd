package sqlite

import (
	"context"
	"fmt"

	"github.com/asaidimu/go-kvschema/core/upgrade"
)

// CurrentVersion is the structural version this package writes.
const CurrentVersion = 3

const (
	createSyncDataSQL = `CREATE TABLE IF NOT EXISTS sync_data (
    key BLOB NOT NULL,
    value BLOB,
    timestamp INT NOT NULL,
    flag INT NOT NULL,
    device BLOB,
    ori_device BLOB,
    hash_key BLOB PRIMARY KEY NOT NULL
);`
	createLocalDataSQL = `CREATE TABLE IF NOT EXISTS local_data (
    key BLOB PRIMARY KEY,
    value BLOB,
    timestamp INT,
    hash_key BLOB
);`
	createMetaDataSQL = `CREATE TABLE IF NOT EXISTS meta_data (
    key BLOB PRIMARY KEY NOT NULL,
    value BLOB
);`

	addWriteTimestampSQL      = "ALTER TABLE sync_data ADD COLUMN w_timestamp INT;"
	backfillWriteTimestampSQL = "UPDATE sync_data SET w_timestamp = timestamp;"

	createKeyIndexSQL  = "CREATE INDEX IF NOT EXISTS key_index ON sync_data (key, flag);"
	createTimeIndexSQL = "CREATE INDEX IF NOT EXISTS time_index ON sync_data (timestamp);"
)

// structuralSteps lists the changes that take a database from version 0 to
// CurrentVersion, one per version.
func (s *Store) structuralSteps() []upgrade.Step {
	return []upgrade.Step{
		{
			Version:     1,
			Name:        "base_tables",
			Description: "create sync_data, local_data and meta_data",
			Apply:       s.execAll(createSyncDataSQL, createLocalDataSQL, createMetaDataSQL),
		},
		{
			Version:     2,
			Name:        "write_timestamp",
			Description: "add sync_data.w_timestamp and back-fill it from timestamp",
			Apply:       s.execAll(addWriteTimestampSQL, backfillWriteTimestampSQL),
		},
		{
			Version:     3,
			Name:        "lookup_indexes",
			Description: "index sync_data by key and by timestamp",
			Apply:       s.execAll(createKeyIndexSQL, createTimeIndexSQL),
		},
	}
}

func (s *Store) execAll(stmts ...string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, stmt := range stmts {
			if _, err := s.exec(ctx, stmt); err != nil {
				return fmt.Errorf("structural change: %w", err)
			}
		}
		return nil
	}
}
