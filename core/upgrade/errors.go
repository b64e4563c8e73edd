package upgrade

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by Upgrade. Every *Error wraps exactly one of them, so callers
// can test with errors.Is(err, upgrade.ErrSchemaMismatch).
var (
	ErrReadVersionFailed       = errors.New("read database version failed")
	ErrVersionNotSupported     = errors.New("database version not supported")
	ErrBeginFailed             = errors.New("begin upgrade transaction failed")
	ErrCommitFailed            = errors.New("commit upgrade transaction failed")
	ErrStructuralUpgradeFailed = errors.New("structural upgrade failed")
	ErrReadSchemaFailed        = errors.New("read database schema failed")
	ErrSchemaMismatch          = errors.New("schema mismatch")
	ErrValueUpgradeFailed      = errors.New("value upgrade failed")
	ErrIndexUpgradeFailed      = errors.New("index upgrade failed")
	ErrPersistSchemaFailed     = errors.New("persist database schema failed")
	ErrPersistVersionFailed    = errors.New("persist database version failed")
)

// ErrInvalidConfig is returned by NewUpgrader.
var ErrInvalidConfig = errors.New("invalid upgrade configuration")

// Error is the failure returned by Upgrade.
type Error struct {
	// Kind is one of the Err* sentinels above.
	Kind error
	// State is the last state the upgrade reached before aborting.
	State State
	// Err is the underlying cause, joined with any rollback failure. May be nil.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upgrade aborted after %s: %v", e.State, e.Kind)
	}
	return fmt.Sprintf("upgrade aborted after %s: %v: %v", e.State, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// State is a step of the upgrade state machine.
type State string

const (
	StateStart            State = "start"
	StateVersionChecked   State = "version_checked"
	StateStructUpgraded   State = "struct_upgraded"
	StateSchemaRestored   State = "schema_restored"
	StateSchemaClassified State = "schema_classified"
	StateValuesUpgraded   State = "values_upgraded"
	StateIndexesUpgraded  State = "indexes_upgraded"
	StateVersionPersisted State = "version_persisted"
	StateCommitted        State = "committed"
	StateAborted          State = "aborted"
)
