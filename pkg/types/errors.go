package types

import "errors"

// Error taxonomy surfaced by the core. The API layer maps these to
// HTTP status codes; everything else becomes a 500.
var (
	// ErrAccessDenied covers bad or expired tokens, signature
	// mismatches, and component types not allowed on a route.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidArtifact is a planner rejection.
	ErrInvalidArtifact = errors.New("invalid artifact")

	// ErrNotFound is an unknown artifact, job, component or result id.
	ErrNotFound = errors.New("not found")

	// ErrConflict is a duplicate component, token or result, or a
	// failed compare-and-set on a job status.
	ErrConflict = errors.New("conflict")
)
