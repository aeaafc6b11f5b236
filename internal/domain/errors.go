package domain

import "errors"

// Failure taxonomy shared by every stage of the pipeline. Callers branch with
// errors.Is; producers wrap with fmt.Errorf("...: %w", ErrX).
var (
	// ErrConnectionExhausted is terminal for one feed subscription.
	ErrConnectionExhausted = errors.New("feed connection exhausted")

	// ErrProviderUnavailable means no safety provider answered.
	ErrProviderUnavailable = errors.New("safety providers unavailable")

	// ErrStaleVerdict is returned when a verdict is used past its validity window.
	ErrStaleVerdict = errors.New("safety verdict stale")

	ErrDuplicatePosition = errors.New("duplicate position")
	ErrExecutionFailed   = errors.New("execution failed")
	ErrPartialFill       = errors.New("partial fill")
	ErrPositionNotFound  = errors.New("position not found")
	ErrPositionNotOpen   = errors.New("position not open")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)
