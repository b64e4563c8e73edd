package upgrade

import (
	"context"
	"fmt"
	"sync"

	"github.com/asaidimu/go-events"
	"github.com/asaidimu/go-kvschema/core/schema"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config wires an Upgrader to the store it upgrades.
type Config struct {
	// CurrentVersion is the structural version this binary writes.
	CurrentVersion int
	Gate           VersionGate
	Tx             Transaction
	// Steps must hold exactly one step per version 1..CurrentVersion, ascending.
	Steps []Step
	// Schema is nil for stores that cannot carry a schema; the schema-aware part of
	// the upgrade is then skipped entirely.
	Schema SchemaStep
	Logger *zap.Logger
}

// Upgrader runs the upgrade state machine against one store. It keeps no state
// between Upgrade calls apart from event subscriptions.
type Upgrader struct {
	current int
	gate    VersionGate
	tx      Transaction
	steps   []Step
	schema  SchemaStep
	logger  *zap.Logger

	bus           *events.TypedEventBus[UpgradeEvent]
	subscriptions map[string]*SubscriptionInfo
	subMu         sync.RWMutex
}

// NewUpgrader validates cfg and creates an Upgrader.
func NewUpgrader(cfg Config) (*Upgrader, error) {
	if cfg.Gate == nil || cfg.Tx == nil {
		return nil, fmt.Errorf("%w: version gate and transaction are required", ErrInvalidConfig)
	}
	if err := validateSteps(cfg.Steps, cfg.CurrentVersion); err != nil {
		return nil, err
	}

	bus, err := events.NewTypedEventBus[UpgradeEvent](events.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("could not initialize event bus: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Upgrader{
		current:       cfg.CurrentVersion,
		gate:          cfg.Gate,
		tx:            cfg.Tx,
		steps:         append([]Step(nil), cfg.Steps...),
		schema:        cfg.Schema,
		logger:        logger,
		bus:           bus,
		subscriptions: make(map[string]*SubscriptionInfo),
	}, nil
}

// CurrentVersion is the structural version the store ends at after a successful Upgrade.
func (u *Upgrader) CurrentVersion() int {
	return u.current
}

// Upgrade brings the store to CurrentVersion and, when newSchema is valid and the
// store is schema-capable, migrates values and indexes to newSchema. newSchema must
// already be parsed by the caller; an invalid one means no schema was requested.
//
// On failure the returned error is an *Error and the store is left as it was.
func (u *Upgrader) Upgrade(ctx context.Context, newSchema *schema.Object) error {
	r := newRun(u.current)
	u.emit(r.event(UpgradeStart, nil))

	err := u.execute(ctx, r, newSchema)
	if err != nil {
		u.emit(r.event(UpgradeFailed, err))
		return err
	}
	u.emit(r.event(UpgradeSuccess, nil))
	return nil
}

func (u *Upgrader) execute(ctx context.Context, r *run, newSchema *schema.Object) error {
	dbVersion, err := u.gate.DatabaseVersion(ctx)
	if err != nil {
		return u.abort(r, ErrReadVersionFailed, err)
	}
	if dbVersion < 0 {
		return u.abort(r, ErrReadVersionFailed, fmt.Errorf("negative database version %d", dbVersion))
	}
	r.from = dbVersion
	if dbVersion > u.current {
		return u.abort(r, ErrVersionNotSupported,
			fmt.Errorf("database version %d is newer than supported version %d", dbVersion, u.current))
	}
	u.advance(r, StateVersionChecked)

	if err := u.tx.Begin(ctx); err != nil {
		return u.abort(r, ErrBeginFailed, err)
	}

	if f := u.upgradeInTransaction(ctx, r, newSchema); f != nil {
		return u.abort(r, f.kind, u.rollback(ctx, r, f.err))
	}

	if err := u.tx.End(ctx, true); err != nil {
		return u.abort(r, ErrCommitFailed, err)
	}
	u.advance(r, StateCommitted)
	u.logger.Info("Database upgraded",
		zap.String("run", r.id),
		zap.Int("from", r.from),
		zap.Int("to", u.current),
	)
	return nil
}

// stepFailure pairs a failure inside the transaction with the kind it reports as.
type stepFailure struct {
	kind error
	err  error
}

func fail(kind, err error) *stepFailure {
	return &stepFailure{kind: kind, err: err}
}

// upgradeInTransaction runs everything between Begin and End. The caller rolls back
// when it returns a failure.
func (u *Upgrader) upgradeInTransaction(ctx context.Context, r *run, newSchema *schema.Object) *stepFailure {
	for _, step := range pendingSteps(u.steps, r.from) {
		u.logger.Debug("Applying structural step",
			zap.String("run", r.id),
			zap.Int("version", step.Version),
			zap.String("step", step.Name),
		)
		if err := step.Apply(ctx); err != nil {
			return fail(ErrStructuralUpgradeFailed, fmt.Errorf("step %d (%s): %w", step.Version, step.Name, err))
		}
		ev := r.event(UpgradeStep, nil)
		name := step.Name
		ev.Step = &name
		u.emit(ev)
	}
	u.advance(r, StateStructUpgraded)

	if u.schema != nil && newSchema.IsValid() {
		if f := u.upgradeSchema(ctx, r, newSchema); f != nil {
			return f
		}
	}

	if r.from < u.current {
		if err := u.gate.SetDatabaseVersion(ctx, u.current); err != nil {
			return fail(ErrPersistVersionFailed, err)
		}
		u.advance(r, StateVersionPersisted)
	}
	return nil
}

// upgradeSchema migrates values, then indexes, then records newSchema. Values always
// go first because index expressions read the migrated value encoding.
func (u *Upgrader) upgradeSchema(ctx context.Context, r *run, newSchema *schema.Object) *stepFailure {
	ori, err := u.restoreSchema(ctx, r)
	if err != nil {
		return fail(ErrReadSchemaFailed, err)
	}
	u.advance(r, StateSchemaRestored)

	result, diff, err := Classify(ori, newSchema)
	if err != nil {
		return fail(ErrSchemaMismatch, err)
	}
	r.comparison = result.String()
	u.advance(r, StateSchemaClassified)
	u.logger.Info("Schema classified",
		zap.String("run", r.id),
		zap.Stringer("result", result),
		zap.Int("indexesAdded", len(diff.Increase)),
		zap.Int("indexesDropped", len(diff.Decrease)),
	)

	switch result {
	case schema.EqualExactly:
		return nil
	case schema.UnequalIncompatible:
		return fail(ErrSchemaMismatch, fmt.Errorf("stored schema cannot be upgraded to the requested one: %s", result))
	case schema.UnequalCompatibleUpgrade:
		if err := u.schema.UpgradeValues(ctx, newSchema); err != nil {
			return fail(ErrValueUpgradeFailed, err)
		}
		u.advance(r, StateValuesUpgraded)
	}

	if err := u.schema.UpgradeIndexes(ctx, newSchema, diff); err != nil {
		return fail(ErrIndexUpgradeFailed, err)
	}
	u.advance(r, StateIndexesUpgraded)

	if err := u.schema.SetDatabaseSchema(ctx, newSchema.String()); err != nil {
		return fail(ErrPersistSchemaFailed, err)
	}
	u.logger.Info("Database schema updated", zap.String("run", r.id))
	return nil
}

// restoreSchema loads the stored schema. A stored schema that no longer parses
// predates schema support or is damaged, and is treated as no schema.
func (u *Upgrader) restoreSchema(ctx context.Context, r *run) (*schema.Object, error) {
	text, err := u.schema.DatabaseSchema(ctx)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return schema.Invalid(), nil
	}
	ori, err := schema.Parse(text)
	if err != nil {
		u.logger.Warn("Stored schema is unreadable, treating store as schemaless",
			zap.String("run", r.id),
			zap.Error(err),
		)
		return schema.Invalid(), nil
	}
	return ori, nil
}

// rollback ends the transaction without committing. A rollback failure is combined
// with cause and never replaces it.
func (u *Upgrader) rollback(ctx context.Context, r *run, cause error) error {
	u.emit(r.event(RollbackStart, cause))
	if err := u.tx.End(ctx, false); err != nil {
		u.logger.Error("Rollback failed",
			zap.String("run", r.id),
			zap.String("state", string(r.state)),
			zap.Error(err),
		)
		u.emit(r.event(RollbackFailed, err))
		return multierr.Append(cause, fmt.Errorf("rollback: %w", err))
	}
	u.emit(r.event(RollbackSuccess, nil))
	return cause
}

func (u *Upgrader) advance(r *run, state State) {
	r.state = state
	u.logger.Debug("Upgrade state", zap.String("run", r.id), zap.String("state", string(state)))
	u.emit(r.event(UpgradeState, nil))
}

func (u *Upgrader) abort(r *run, kind, err error) error {
	failedAt := r.state
	r.state = StateAborted
	u.logger.Error("Upgrade aborted",
		zap.String("run", r.id),
		zap.String("state", string(failedAt)),
		zap.NamedError("kind", kind),
		zap.Error(err),
	)
	u.emit(r.event(UpgradeState, err))
	return &Error{Kind: kind, State: failedAt, Err: err}
}
