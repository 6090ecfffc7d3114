package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid state transition")

	// Configuration errors. Surfaced to the caller as a rejection, never retried.
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnknownGroup    = errors.New("unknown provider group")

	// Routing errors.
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrNoEligibleProvider  = errors.New("no eligible provider")

	// Delivery errors.
	ErrRateLimited          = errors.New("provider rate limited")
	ErrProviderTimeout      = errors.New("provider timeout")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	ErrProbeInFlight = errors.New("health probe already in flight")
)

// IsRejection reports whether err terminates a request before dispatch.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnknownProvider) ||
		errors.Is(err, ErrUnknownGroup) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrNoEligibleProvider)
}
