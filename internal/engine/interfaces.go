// Package engine implements the reconciliation core: it decides, for every
// ledger record, whether a matching calendar event exists, whether the two
// differ, and which corrective mutation to apply, while a lease per record
// keeps overlapping runs from double-processing.
package engine

import (
	"context"
	"time"

	"github.com/fieldline/calsync/internal/model"
)

// RecordPatch is a partial update to a ledger record. Nil fields are left
// untouched server-side.
type RecordPatch struct {
	GoogleEventID *string
	Processed     *bool
}

// Ledger is the record-store capability set the engine consumes.
//
// Implementations must make UpdateRecord a true partial update and must
// implement AcquireLease as a conditional write: the lease is granted only
// when no live lease exists, so two runs can never hold the same record.
type Ledger interface {
	// FetchUnprocessed returns records bound to the calendar key that have
	// not been synced yet (processed = false). The filter is applied
	// server-side.
	FetchUnprocessed(ctx context.Context, calendarKey string) ([]*model.LedgerRecord, error)

	// FetchAll returns every record for the calendar key, including
	// already-processed ones. An empty key returns all records.
	FetchAll(ctx context.Context, calendarKey string) ([]*model.LedgerRecord, error)

	// UpdateRecord applies a partial update. Nil patch fields are left
	// untouched.
	UpdateRecord(ctx context.Context, id string, patch RecordPatch) error

	// AcquireLease attempts to mark the record in-progress for owner.
	// It succeeds only when the record holds no lease or the existing
	// lease has expired. Returns false without error when the record is
	// held by someone else.
	AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease clears the lease if (and only if) owner still holds it.
	// Releasing a lease that was already lost is not an error.
	ReleaseLease(ctx context.Context, id, owner string) error
}

// EventPage is one page of a calendar listing.
type EventPage struct {
	Items         []*model.CalendarEvent
	NextPageToken string
}

// Calendar is the calendar-service capability set the engine consumes.
// The engine never constructs provider URLs or request payloads itself;
// everything goes through these five operations.
type Calendar interface {
	// ListEvents returns one page of events starting at timeMin. A zero
	// timeMax means unbounded. Callers loop on NextPageToken until empty.
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time, pageToken string) (*EventPage, error)

	// GetEvent fetches a single event. A missing event yields ErrNotFound.
	GetEvent(ctx context.Context, calendarID, eventID string) (*model.CalendarEvent, error)

	// CreateEvent inserts the event and returns the provider-assigned ID.
	CreateEvent(ctx context.Context, calendarID string, ev *model.CalendarEvent) (string, error)

	// UpdateEvent patches an existing event in place.
	UpdateEvent(ctx context.Context, calendarID, eventID string, ev *model.CalendarEvent) error

	// DeleteEvent removes an event. Deleting an already-deleted event is
	// success, not failure.
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// Credentials supplies a currently-valid bearer token for the calendar
// service. Refreshing is the provider's job; the engine only checks
// availability and treats failure as fatal for the run.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}
