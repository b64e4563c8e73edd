// Package upgrade brings an on-disk store from whatever structural version it was
// written with up to the version the running binary supports, and migrates values
// and indexes when the caller supplies a schema that differs from the stored one.
// The whole operation runs inside a single transaction and is all-or-nothing.
package upgrade

import (
	"context"

	"github.com/asaidimu/go-kvschema/core/schema"
)

// VersionGate reads and writes the structural version kept in store metadata.
type VersionGate interface {
	// DatabaseVersion returns 0 for a store that was never upgraded.
	DatabaseVersion(ctx context.Context) (int, error)
	SetDatabaseVersion(ctx context.Context, version int) error
}

// Transaction brackets one upgrade. Once Begin succeeds, End is called exactly once.
type Transaction interface {
	Begin(ctx context.Context) error
	// End commits when commit is true and rolls back otherwise.
	End(ctx context.Context, commit bool) error
}

// SchemaStore reads and writes the serialized schema kept in store metadata.
// An empty string with a nil error means the store has no schema.
type SchemaStore interface {
	DatabaseSchema(ctx context.Context) (string, error)
	SetDatabaseSchema(ctx context.Context, text string) error
}

// ValueMigrator rewrites every stored value to conform to newSchema.
type ValueMigrator interface {
	UpgradeValues(ctx context.Context, newSchema *schema.Object) error
}

// IndexMigrator drops every index in diff.Decrease and builds every index in
// diff.Increase against the current value encoding.
type IndexMigrator interface {
	UpgradeIndexes(ctx context.Context, newSchema *schema.Object, diff schema.IndexDifference) error
}

// SchemaStep is everything a schema-capable store provides to the upgrade.
type SchemaStep interface {
	SchemaStore
	ValueMigrator
	IndexMigrator
}
