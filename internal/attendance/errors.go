package attendance

import "errors"

// Error taxonomy shared by the ingestion, consolidation and legacy paths.
// Callers classify with errors.Is; repository failures not listed here are
// persistence errors and pass through unwrapped.
var (
	ErrValidation    = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrFinalized     = errors.New("attendance already finalized")
	ErrDuplicatePing = errors.New("duplicate ping")
	ErrPingCap       = errors.New("ping cap reached")
	ErrConsolidation = errors.New("consolidation requires three pings")
)
