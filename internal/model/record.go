// Package model provides the data structures shared by the reconciliation
// engine and the ledger/calendar clients.
package model

import (
	"fmt"
	"strings"
	"time"
)

// LedgerRecord represents one scheduled job as stored in the ledger.
//
// Records are created externally; the engine only ever reads them and
// updates the sync bookkeeping fields (GoogleEventID, Processed, lease).
type LedgerRecord struct {
	// ===== Identity =====
	ID string `json:"id"`

	// ===== Job content =====
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Description string    `json:"description,omitempty"`

	// ===== Location (composed from address parts) =====
	Homeowner string `json:"homeowner,omitempty"`
	Street    string `json:"street,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Zip       string `json:"zip,omitempty"`

	// ===== Scheduling metadata =====
	BillingStatus string `json:"billing_status,omitempty"`
	AttendeeEmail string `json:"attendee_email,omitempty"`

	// CalendarKey binds the record to one calendar binding in config.
	CalendarKey string `json:"calendar_key"`

	// ===== Sync bookkeeping (owned by the engine) =====
	GoogleEventID string `json:"google_event_id,omitempty"`
	Processed     bool   `json:"processed"`

	// ===== Lease (in-progress marker with owner and expiry) =====
	LeaseOwner   string     `json:"lease_owner,omitempty"`
	LeaseExpires *time.Time `json:"lease_expires,omitempty"`
}

// Validate checks the fields the engine needs before it will sync a record.
func (r *LedgerRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if r.Start.IsZero() {
		return fmt.Errorf("start is required")
	}
	if r.End.IsZero() {
		return fmt.Errorf("end is required")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("end %s is before start %s", r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Location composes the address parts into a single display string.
// Empty parts are skipped so a record with only a city still produces
// a usable location.
func (r *LedgerRecord) Location() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{r.Street, r.City, r.State, r.Zip} {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// Key builds the normalized duplicate-detection key for a ledger record:
// lower-cased trimmed title, the exact start instant, and the calendar key
// plus homeowner as disambiguators. Two unprocessed records sharing this
// key are ledger duplicates.
func (r *LedgerRecord) Key() string {
	return NormalizeText(r.Title) + "|" +
		r.Start.UTC().Format(time.RFC3339) + "|" +
		NormalizeText(r.CalendarKey) + "|" +
		NormalizeText(r.Homeowner)
}

// NormalizeText trims surrounding whitespace and lower-cases a comparable
// text field. Used for every cross-source string comparison.
func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
