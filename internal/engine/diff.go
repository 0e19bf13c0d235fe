package engine

import (
	"fmt"
	"strings"

	"github.com/fieldline/calsync/internal/model"
)

// Different reports whether a ledger record and its calendar event disagree
// on any tracked field after normalization: title, composed location,
// description (when compareDescription is set), start and end instants, and
// attendee membership when the record names an attendee email.
//
// Text fields are trimmed and lower-cased; instants must match exactly, not
// fuzzily. Absent calendar sub-fields compare as empty strings. The function
// is pure and never panics on partially-filled inputs.
func Different(rec *model.LedgerRecord, ev *model.CalendarEvent, compareDescription bool) bool {
	if rec == nil || ev == nil {
		return rec != nil || ev != nil
	}

	if model.NormalizeText(rec.Title) != model.NormalizeText(ev.Title) {
		return true
	}
	if model.NormalizeText(rec.Location()) != model.NormalizeText(ev.Location) {
		return true
	}
	if compareDescription &&
		model.NormalizeText(ComposeDescription(rec)) != model.NormalizeText(ev.Description) {
		return true
	}
	if !rec.Start.Equal(ev.Start) {
		return true
	}
	if !rec.End.Equal(ev.End) {
		return true
	}
	if rec.AttendeeEmail != "" && !ev.HasAttendee(rec.AttendeeEmail) {
		return true
	}
	return false
}

// ComposeDescription builds the event description for a record: the free
// text prefixed with structured annotations such as billing status.
func ComposeDescription(rec *model.LedgerRecord) string {
	var b strings.Builder
	if s := strings.TrimSpace(rec.BillingStatus); s != "" {
		fmt.Fprintf(&b, "[billing: %s]", s)
	}
	if d := strings.TrimSpace(rec.Description); d != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(d)
	}
	return b.String()
}

// EventFromRecord builds the calendar event the record should map to.
func EventFromRecord(rec *model.LedgerRecord) *model.CalendarEvent {
	var attendees []string
	if rec.AttendeeEmail != "" {
		attendees = []string{rec.AttendeeEmail}
	}
	return &model.CalendarEvent{
		Title:       rec.Title,
		Start:       rec.Start,
		End:         rec.End,
		Description: ComposeDescription(rec),
		Location:    rec.Location(),
		Attendees:   attendees,
	}
}
