// Package deploy implements the driver (C9): the ordered phase pipeline
// that takes a manifest pair from distribute through unlock, mapping each
// phase's outcome to the three-way deploy status described in spec.md §4.8.
package deploy

import "errors"

// Sentinel errors identify the error kind table of spec.md §7. The driver
// wraps one of these around the underlying phase error so callers can
// classify a failure with errors.Is without parsing messages.
var (
	ErrRemoteOpFailed        = errors.New("remote operation failed")
	ErrLockFailed            = errors.New("lock acquisition failed")
	ErrActivationRollback    = errors.New("activation failed, rollback succeeded")
	ErrActivationCatastrophe = errors.New("activation rollback failed")
	ErrMigrationFailed       = errors.New("migration failed")
	ErrProfileSetFailed      = errors.New("profile publish failed")
	ErrCycleDetected         = errors.New("activation dependency cycle detected")
)
