package domain

import "errors"

var (
	// ErrValidation marks missing or malformed caller input.
	ErrValidation = errors.New("validation error")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrToolFailure marks a nonzero exit or spawn failure of the
	// external tool.
	ErrToolFailure = errors.New("external tool failure")
	// ErrCircuitOpen is returned when the breaker short-circuits a call.
	ErrCircuitOpen = errors.New("service temporarily unavailable")
)
