package engine

import (
	"errors"
	"fmt"
)

// Error taxonomy for reconciliation. Client implementations map their
// provider errors onto these so the engine can pick the right recovery:
// retry after backoff, treat-as-missing, skip the record, or abort the run.
var (
	// ErrNotFound marks a missing calendar event. Treated as success for
	// deletes and as "no match" for gets.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited marks a provider rate-limit response. Clients retry
	// with a fixed backoff up to a small ceiling before surfacing it.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransient marks a network-level failure or 5xx response. Retried
	// with backoff like ErrRateLimited, but counted separately.
	ErrTransient = errors.New("transient error")

	// ErrAuth marks unavailable or rejected credentials. Aborts the whole
	// run; the credential provider owns retry/refresh.
	ErrAuth = errors.New("credentials unavailable or rejected")
)

// ValidationError marks a ledger record missing fields required for sync.
// The record is skipped and reported failed; it is never retried within
// the run.
type ValidationError struct {
	RecordID string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %s invalid: %s", e.RecordID, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
