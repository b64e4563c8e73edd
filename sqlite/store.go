// Package sqlite provides a single-version key-value store on top of SQLite. It
// implements every collaborator the upgrade engine needs: version gate, transaction,
// schema metadata, value migration and index migration.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/asaidimu/go-kvschema/core/schema"
	"github.com/asaidimu/go-kvschema/core/upgrade"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

const driverName = "sqlite3"

var (
	// ErrReadOnly is returned by writes to a store that holds a schema but was opened
	// without one, or that was opened with Options.ReadOnly.
	ErrReadOnly = errors.New("store is read-only")
	// ErrNotFound is returned when a key does not exist or has been deleted.
	ErrNotFound = errors.New("key not found")
	// ErrInvalidArgs is returned for empty or oversized keys and values.
	ErrInvalidArgs = errors.New("invalid arguments")
)

// dbRunner abstracts the methods shared by *sql.DB and *sql.Tx, so the same code
// runs inside and outside the upgrade transaction.
type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Options configures how a store is opened.
type Options struct {
	// Pragmas run on the connection after opening. Ignored for read-only stores.
	Pragmas []string
	// ReadOnly opens the file without creating or upgrading it.
	ReadOnly bool
	// Subscriptions are registered on the upgrader before it runs.
	Subscriptions []upgrade.RegisterSubscriptionOptions
}

// DefaultOptions returns the options Open uses when none are given.
func DefaultOptions() *Options {
	return &Options{
		Pragmas: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA busy_timeout=5000",
		},
	}
}

// Store is a key-value store kept in the sync_data table of a SQLite database.
// A Store is not safe for concurrent use while Upgrade runs.
type Store struct {
	db      *sql.DB
	tx      *sql.Tx
	logger  *zap.Logger
	options *Options
	ownsDB  bool

	// schema is the schema in force after the upgrade; invalid for plain stores.
	schema *schema.Object
	// requested is the schema the store was upgraded with.
	requested *schema.Object
	readOnly  bool
	upgraded  bool
}

var (
	_ upgrade.VersionGate = (*Store)(nil)
	_ upgrade.Transaction = (*Store)(nil)
	_ upgrade.SchemaStep  = (*Store)(nil)
)

// New wraps an open database. The caller keeps ownership of db.
func New(db *sql.DB, logger *zap.Logger, options *Options) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options == nil {
		options = DefaultOptions()
	}
	return &Store{
		db:       db,
		logger:   logger,
		options:  options,
		schema:   schema.Invalid(),
		readOnly: options.ReadOnly,
	}
}

// Open opens (creating if needed) the database at path and upgrades it to
// CurrentVersion and newSchema. Pass schema.Invalid() to open without a schema.
// With Options.ReadOnly the file must exist and is neither created nor upgraded.
func Open(ctx context.Context, path string, newSchema *schema.Object, logger *zap.Logger, options *Options) (*Store, error) {
	if options == nil {
		options = DefaultOptions()
	}

	dsn := path
	if options.ReadOnly {
		dsn = "file:" + path + "?mode=ro"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps the upgrade transaction and every other statement on the
	// same SQLite handle.
	db.SetMaxOpenConns(1)

	if !options.ReadOnly {
		for _, pragma := range options.Pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
			}
		}
	}

	s := New(db, logger, options)
	s.ownsDB = true

	if options.ReadOnly {
		err = s.loadSchema(ctx)
	} else {
		err = s.Upgrade(ctx, newSchema)
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close rolls back any open transaction and closes the database if Open created it.
func (s *Store) Close() error {
	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil {
			s.logger.Warn("Failed to roll back open transaction on close", zap.Error(err))
		}
		s.tx = nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Upgrader builds the upgrader that brings this store to CurrentVersion.
func (s *Store) Upgrader() (*upgrade.Upgrader, error) {
	return upgrade.NewUpgrader(upgrade.Config{
		CurrentVersion: CurrentVersion,
		Gate:           s,
		Tx:             s,
		Steps:          s.structuralSteps(),
		Schema:         s,
		Logger:         s.logger,
	})
}

// Upgrade runs the upgrade once per store; later calls return nil without touching
// the database.
func (s *Store) Upgrade(ctx context.Context, newSchema *schema.Object) error {
	if s.upgraded {
		s.logger.Debug("Store already upgraded, skipping")
		return nil
	}
	if s.readOnly {
		return ErrReadOnly
	}

	u, err := s.Upgrader()
	if err != nil {
		return fmt.Errorf("failed to build upgrader: %w", err)
	}
	for _, sub := range s.options.Subscriptions {
		id := u.RegisterSubscription(sub)
		defer u.UnregisterSubscription(id)
	}

	if err := u.Upgrade(ctx, newSchema); err != nil {
		return err
	}
	s.upgraded = true
	s.requested = newSchema
	return s.loadSchema(ctx)
}

// loadSchema reads the stored schema into memory. A store that holds a schema it was
// not opened with becomes read-only.
func (s *Store) loadSchema(ctx context.Context) error {
	text, err := s.DatabaseSchema(ctx)
	if err != nil {
		return fmt.Errorf("failed to load database schema: %w", err)
	}
	if text == "" {
		s.schema = schema.Invalid()
		return nil
	}

	stored, err := schema.Parse(text)
	if err != nil {
		s.logger.Warn("Stored schema is unreadable, treating store as schemaless", zap.Error(err))
		s.schema = schema.Invalid()
		return nil
	}
	s.schema = stored
	// After a successful upgrade with a valid schema the stored schema is that schema.
	if !s.requested.IsValid() && !s.readOnly {
		s.logger.Info("Store holds a schema but was opened without one, writes are disabled")
		s.readOnly = true
	}
	return nil
}

// Schema returns the schema in force; it is invalid for plain stores.
func (s *Store) Schema() *schema.Object {
	return s.schema
}

// ReadOnly reports whether writes are refused.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// Begin starts the upgrade transaction.
func (s *Store) Begin(ctx context.Context) error {
	if s.tx != nil {
		return fmt.Errorf("cannot begin: a transaction is already open")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.logger.Debug("Transaction started")
	s.tx = tx
	return nil
}

// End commits or rolls back the transaction opened by Begin.
func (s *Store) End(ctx context.Context, commit bool) error {
	if s.tx == nil {
		return fmt.Errorf("cannot end: no transaction is open")
	}
	tx := s.tx
	s.tx = nil
	if commit {
		s.logger.Debug("Committing transaction")
		return tx.Commit()
	}
	s.logger.Debug("Rolling back transaction")
	return tx.Rollback()
}

// runner returns the open transaction if there is one, the pool otherwise.
func (s *Store) runner() dbRunner {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Store) exec(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	s.logger.Debug("Executing SQL", zap.String("sql", stmt))
	result, err := s.runner().ExecContext(ctx, stmt, args...)
	if err != nil {
		s.logger.Error("Failed to execute SQL", zap.Error(err), zap.String("sql", stmt))
		return nil, fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
	}
	return result, nil
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := s.runner().QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name = ?;", table).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// quoteIdentifier quotes a table, column or index name.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i] + " ..."
	}
	return stmt
}
