package guardian

import "errors"

// Error taxonomy surfaced by orchestrators and workers. The API layer maps
// these to HTTP statuses with errors.Is; workers use ErrBackendFailure to
// decide terminal scan/task status.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotConfigured    = errors.New("guardian instance not configured or disabled")
	ErrNotFound         = errors.New("not found")
	ErrBackendFailure   = errors.New("execution backend failure")
	ErrInvalidInput     = errors.New("invalid input")
)
