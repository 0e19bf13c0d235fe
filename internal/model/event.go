package model

import (
	"strings"
	"time"
)

// CalendarEvent is the engine's view of one event in the external calendar.
// The calendar client converts the provider's wire type into this shape so
// the engine never depends on the provider API directly.
type CalendarEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
}

// Key builds the normalized duplicate-detection key for a calendar event:
// lower-cased trimmed title plus the start instant rounded down to the
// minute (calendar providers jitter sub-minute precision). All-day events
// carry midnight of their date, so they normalize cleanly here.
func (e *CalendarEvent) Key() string {
	return NormalizeText(e.Title) + "|" + e.Start.UTC().Truncate(time.Minute).Format(time.RFC3339)
}

// HasAttendee reports whether the event's attendee set contains the given
// email, compared case-insensitively.
func (e *CalendarEvent) HasAttendee(email string) bool {
	want := NormalizeText(email)
	for _, a := range e.Attendees {
		if NormalizeText(a) == want {
			return true
		}
	}
	return false
}

// MidnightUTC returns midnight UTC of the given all-day date string
// (YYYY-MM-DD). A zero time is returned for unparseable input.
func MidnightUTC(date string) time.Time {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(date))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
