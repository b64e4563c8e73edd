package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/asaidimu/go-kvschema/core/schema"
	"github.com/asaidimu/go-kvschema/core/upgrade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	schemaIndexed   = `{"SCHEMA_VERSION":"1.0","SCHEMA_MODE":"COMPATIBLE","SCHEMA_DEFINE":{"a":"INTEGER","b":"STRING, DEFAULT 'x'"},"SCHEMA_INDEXES":["$.a"]}`
	schemaUnindexed = `{"SCHEMA_VERSION":"1.0","SCHEMA_MODE":"COMPATIBLE","SCHEMA_DEFINE":{"a":"INTEGER","b":"STRING, DEFAULT 'x'"},"SCHEMA_INDEXES":[]}`
	schemaConflict  = `{"SCHEMA_VERSION":"1.0","SCHEMA_MODE":"COMPATIBLE","SCHEMA_DEFINE":{"a":"STRING","b":"STRING, DEFAULT 'x'"},"SCHEMA_INDEXES":["$.a"]}`
	schemaPrefixed  = `{"SCHEMA_VERSION":"1.0","SCHEMA_MODE":"STRICT","SCHEMA_DEFINE":{"a":"INTEGER, NOT NULL"},"SCHEMA_INDEXES":["$.a"],"SCHEMA_SKIPSIZE":2}`
)

func dbPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "kv.db")
}

func mustSchema(t *testing.T, text string) *schema.Object {
	t.Helper()
	obj, err := schema.Parse(text)
	require.NoError(t, err)
	return obj
}

func openStore(t *testing.T, path string, newSchema *schema.Object) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, newSchema, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func indexExists(t *testing.T, s *Store, name string) bool {
	t.Helper()
	var n int
	err := s.runner().QueryRowContext(context.Background(),
		"SELECT count(*) FROM sqlite_master WHERE type='index' AND name = ?;", name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func columnExists(t *testing.T, s *Store, table, column string) bool {
	t.Helper()
	var n int
	err := s.runner().QueryRowContext(context.Background(),
		"SELECT count(*) FROM pragma_table_info(?) WHERE name = ?;", table, column).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

// seedVersionOne builds a database as it looked at structural version 1 and stores
// one record in it.
func seedVersionOne(t *testing.T, path string, value string, timestamp int64) {
	t.Helper()
	ctx := context.Background()
	db, err := sql.Open(driverName, path)
	require.NoError(t, err)
	defer db.Close()

	s := New(db, nil, nil)
	require.NoError(t, s.structuralSteps()[0].Apply(ctx))
	require.NoError(t, s.SetDatabaseVersion(ctx, 1))
	_, err = s.exec(ctx,
		"INSERT INTO sync_data (key, value, timestamp, flag, device, ori_device, hash_key) VALUES (?, ?, ?, 0, ?, ?, ?);",
		[]byte("k"), []byte(value), timestamp, []byte{}, []byte{}, hashKey([]byte("k")))
	require.NoError(t, err)
}

func TestOpenFreshStore(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, dbPath(t), schema.Invalid())

	version, err := s.DatabaseVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, version)

	text, err := s.DatabaseSchema(ctx)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.False(t, s.ReadOnly())
	assert.False(t, s.Schema().IsValid())

	for _, table := range []string{"sync_data", "local_data", "meta_data"} {
		exists, err := s.tableExists(ctx, table)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}
	assert.True(t, indexExists(t, s, "key_index"))
	assert.True(t, indexExists(t, s, "time_index"))

	require.NoError(t, s.Put(ctx, []byte("k"), []byte("opaque bytes")))
	got, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "opaque bytes", string(got))
}

func TestDatabaseVersionOfEmptyFile(t *testing.T) {
	db, err := sql.Open(driverName, dbPath(t))
	require.NoError(t, err)
	defer db.Close()

	s := New(db, nil, nil)
	version, err := s.DatabaseVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	text, err := s.DatabaseSchema(context.Background())
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestSchemaLifecycle(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)

	plain := openStore(t, path, schema.Invalid())
	require.NoError(t, plain.Put(ctx, []byte("k1"), []byte(`{"a":1}`)))
	require.NoError(t, plain.Put(ctx, []byte("k2"), []byte(`{"a":2,"b":"y"}`)))
	_, err := plain.exec(ctx,
		"INSERT INTO sync_data (key, value, timestamp, w_timestamp, flag, device, ori_device, hash_key) VALUES (?, ?, 1, 1, ?, ?, ?, ?);",
		[]byte("gone"), []byte(`{"a":"not a number"}`), flagDeleted, []byte{}, []byte{}, hashKey([]byte("gone")))
	require.NoError(t, err)
	require.NoError(t, plain.Close())

	// Plain store gains a schema: values rewritten, index built.
	indexed := mustSchema(t, schemaIndexed)
	s := openStore(t, path, indexed)

	got, err := s.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"x"}`, string(got))

	got, err = s.Get(ctx, []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":"y"}`, string(got))

	assert.True(t, indexExists(t, s, IndexName("$.a")))
	text, err := s.DatabaseSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, indexed.String(), text)

	var n int
	require.NoError(t, s.runner().QueryRowContext(ctx,
		"SELECT count(*) FROM sync_data WHERE "+valueExtractSQL(schema.FieldPath{"a"}, 0)+" = 2;").Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, s.Close())

	// Same schema again changes nothing.
	s = openStore(t, path, indexed)
	text, err = s.DatabaseSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, indexed.String(), text)
	require.NoError(t, s.Close())

	// Dropping the index leaves values alone.
	unindexed := mustSchema(t, schemaUnindexed)
	s = openStore(t, path, unindexed)
	assert.False(t, indexExists(t, s, IndexName("$.a")))
	got, err = s.Get(ctx, []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":"y"}`, string(got))
	require.NoError(t, s.Close())

	// A conflicting schema is refused and nothing changes.
	_, err = Open(ctx, path, mustSchema(t, schemaConflict), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, upgrade.ErrSchemaMismatch)

	s = openStore(t, path, schema.Invalid())
	text, err = s.DatabaseSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, unindexed.String(), text)
	assert.False(t, indexExists(t, s, IndexName("$.a")))
}

func TestValueViolationRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)
	seedVersionOne(t, path, `{"a":"not a number"}`, 42)

	_, err := Open(ctx, path, mustSchema(t, schemaIndexed), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, upgrade.ErrValueUpgradeFailed)
	assert.ErrorIs(t, err, schema.ErrValueMismatch)

	db, err := sql.Open(driverName, path)
	require.NoError(t, err)
	defer db.Close()
	s := New(db, nil, nil)

	version, err := s.DatabaseVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	text, err := s.DatabaseSchema(ctx)
	require.NoError(t, err)
	assert.Empty(t, text)

	assert.False(t, columnExists(t, s, "sync_data", "w_timestamp"))
	assert.False(t, indexExists(t, s, "key_index"))
	assert.False(t, indexExists(t, s, IndexName("$.a")))

	got, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"not a number"}`, string(got))
}

func TestUpgradeFromVersionOne(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)
	seedVersionOne(t, path, "raw", 42)

	s := openStore(t, path, schema.Invalid())

	version, err := s.DatabaseVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, version)

	var wTimestamp int64
	require.NoError(t, s.runner().QueryRowContext(ctx,
		"SELECT w_timestamp FROM sync_data WHERE hash_key = ?;", hashKey([]byte("k"))).Scan(&wTimestamp))
	assert.Equal(t, int64(42), wTimestamp)
	assert.True(t, indexExists(t, s, "key_index"))
}

func TestOpenNewerDatabase(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)

	db, err := sql.Open(driverName, path)
	require.NoError(t, err)
	s := New(db, nil, nil)
	require.NoError(t, s.structuralSteps()[0].Apply(ctx))
	require.NoError(t, s.SetDatabaseVersion(ctx, CurrentVersion+1))
	require.NoError(t, db.Close())

	_, err = Open(ctx, path, schema.Invalid(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, upgrade.ErrVersionNotSupported)
}

func TestSchemaStoreOpenedWithoutSchemaIsReadOnly(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)

	s := openStore(t, path, mustSchema(t, schemaIndexed))
	require.NoError(t, s.Put(ctx, []byte("k"), []byte(`{"a":1}`)))
	require.NoError(t, s.Close())

	s = openStore(t, path, schema.Invalid())
	assert.True(t, s.ReadOnly())
	assert.True(t, s.Schema().IsValid())
	assert.ErrorIs(t, s.Put(ctx, []byte("k"), []byte(`{"a":2}`)), ErrReadOnly)
	assert.ErrorIs(t, s.Delete(ctx, []byte("k")), ErrReadOnly)

	got, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"x"}`, string(got))
}

func TestPutChecksSchema(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, dbPath(t), mustSchema(t, schemaIndexed))

	err := s.Put(ctx, []byte("k"), []byte(`{"a":"x"}`))
	assert.ErrorIs(t, err, schema.ErrValueMismatch)

	require.NoError(t, s.Put(ctx, []byte("k"), []byte(`{"a":5}`)))
	got, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":5,"b":"x"}`, string(got))
}

func TestSkipSizePrefix(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, dbPath(t), mustSchema(t, schemaPrefixed))
	assert.True(t, indexExists(t, s, IndexName("$.a")))

	require.NoError(t, s.Put(ctx, []byte("k"), append([]byte("XY"), `{"a":3}`...)))
	got, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, `XY{"a":3}`, string(got))

	var n int
	require.NoError(t, s.runner().QueryRowContext(ctx,
		"SELECT count(*) FROM sync_data WHERE "+valueExtractSQL(schema.FieldPath{"a"}, 2)+" = 3;").Scan(&n))
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, s.Put(ctx, []byte("k2"), []byte(`{"a":3}`)), schema.ErrValueMismatch)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, dbPath(t), schema.Invalid())

	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v")))
	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, s.Delete(ctx, []byte("k")))

	_, err = s.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := s.GetRecord(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	assert.Nil(t, rec.Value)

	assert.ErrorIs(t, s.Delete(ctx, []byte("k")), ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, []byte("missing")), ErrNotFound)

	count, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, dbPath(t), schema.Invalid())

	assert.ErrorIs(t, s.Put(ctx, nil, []byte("v")), ErrInvalidArgs)
	assert.ErrorIs(t, s.Put(ctx, make([]byte, MaxKeySize+1), []byte("v")), ErrInvalidArgs)
	_, err := s.Get(ctx, []byte{})
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestUpgradeRunsOncePerStore(t *testing.T) {
	ctx := context.Background()
	indexed := mustSchema(t, schemaIndexed)
	s := openStore(t, dbPath(t), indexed)

	require.NoError(t, s.Upgrade(ctx, mustSchema(t, schemaConflict)))
	text, err := s.DatabaseSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, indexed.String(), text)
}

func TestReadOnlyOption(t *testing.T) {
	ctx := context.Background()
	path := dbPath(t)

	writer, err := Open(ctx, path, schema.Invalid(), nil, &Options{})
	require.NoError(t, err)
	require.NoError(t, writer.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, writer.Close())

	s, err := Open(ctx, path, schema.Invalid(), nil, &Options{ReadOnly: true})
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.ReadOnly())
	assert.ErrorIs(t, s.Put(ctx, []byte("k"), []byte("w")), ErrReadOnly)
	assert.ErrorIs(t, s.Upgrade(ctx, schema.Invalid()), ErrReadOnly)

	got, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestCompare(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, dbPath(t), mustSchema(t, schemaIndexed))

	result, diff, err := s.Compare(ctx, mustSchema(t, schemaUnindexed))
	require.NoError(t, err)
	assert.Equal(t, schema.UnequalCompatible, result)
	assert.Contains(t, diff.Decrease, "$.a")

	result, _, err = s.Compare(ctx, mustSchema(t, schemaConflict))
	require.NoError(t, err)
	assert.Equal(t, schema.UnequalIncompatible, result)
}

func TestCreateIndexSQL(t *testing.T) {
	info := schema.IndexInfo{
		{Path: schema.FieldPath{"b", "c"}, Type: schema.FieldTypeString},
		{Path: schema.FieldPath{"a"}, Type: schema.FieldTypeInteger},
	}
	stmt := CreateIndexSQL("$.b.c", info, 4)
	assert.Equal(t,
		`CREATE INDEX IF NOT EXISTS "schema_index_$.b.c" ON sync_data (`+
			`json_extract(CAST(substr(value, 5) AS TEXT), '$.b.c'), `+
			`json_extract(CAST(substr(value, 5) AS TEXT), '$.a')) WHERE (flag & 1) = 0;`,
		stmt)
}

func TestUpgradeRejectsAmbiguousValues(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"duplicate_member", `{"a":"str","a":7,"b":"y"}`},
		{"invalid_utf8", "{\"a\":1,\"s\":\"\xff\xfe\"}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			path := dbPath(t)

			plain := openStore(t, path, schema.Invalid())
			require.NoError(t, plain.Put(ctx, []byte("k"), []byte(tt.value)))
			require.NoError(t, plain.Close())

			_, err := Open(ctx, path, mustSchema(t, schemaIndexed), nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, upgrade.ErrValueUpgradeFailed)
			assert.ErrorIs(t, err, schema.ErrValueMismatch)

			s := openStore(t, path, schema.Invalid())
			got, err := s.Get(ctx, []byte("k"))
			require.NoError(t, err)
			assert.Equal(t, tt.value, string(got))
			assert.False(t, indexExists(t, s, IndexName("$.a")))
		})
	}
}

func TestPutRejectsDuplicateMembers(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, dbPath(t), mustSchema(t, schemaIndexed))

	err := s.Put(ctx, []byte("k"), []byte(`{"a":"str","a":7}`))
	assert.ErrorIs(t, err, schema.ErrValueMismatch)

	_, err = s.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}
