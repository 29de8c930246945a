// Package errs defines the error taxonomy shared across the verifier,
// the package manager, and the update cycle.
package errs

import "errors"

// Verification failure kinds.
var (
	ErrMissingRole           = errors.New("uptane: missing role")
	ErrBadSignature          = errors.New("uptane: bad signature")
	ErrInsufficientSignatures = errors.New("uptane: insufficient signatures")
	ErrExpired               = errors.New("uptane: metadata expired")
	ErrRollback              = errors.New("uptane: rollback detected")
	ErrInconsistentSnapshot  = errors.New("uptane: inconsistent snapshot")
	ErrUnknownKeyid          = errors.New("uptane: unknown keyid")
)

// Cycle / cross-cutting error taxonomy.
var (
	ErrNetwork            = errors.New("uptane: network error")
	ErrMetadataInvalid    = errors.New("uptane: metadata invalid")
	ErrIntegrity          = errors.New("uptane: integrity error")
	ErrBackendInstall     = errors.New("uptane: backend install failed")
	ErrOperationCancelled = errors.New("uptane: operation cancelled")
	ErrNeedsCompletion    = errors.New("uptane: needs completion")
	ErrInternal           = errors.New("uptane: internal error")
)
