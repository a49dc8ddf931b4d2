package errors

import "errors"

// Transport errors.
var (
	ErrAuthRejected   = errors.New("server rejected authentication")
	ErrPrincipalBound = errors.New("already connected as a different principal")
)

// Sync core errors.
var (
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrUpdateNotFound    = errors.New("update not found")
	ErrUnknownStrategy   = errors.New("unknown resolution strategy")
	ErrMissingResolution = errors.New("manual strategy requires a resolution state")
)
