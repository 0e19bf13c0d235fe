// Package ics renders ledger records as an iCalendar feed so schedules can
// be reviewed offline or imported into other calendar tools.
package ics

import (
	"fmt"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/fieldline/calsync/internal/engine"
	"github.com/fieldline/calsync/internal/model"
)

// Export writes the records as a single VCALENDAR. Records that fail
// validation are skipped; the count of exported events is returned.
func Export(w io.Writer, records []*model.LedgerRecord) (int, error) {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//fieldline//calsync//EN")

	now := time.Now().UTC()
	exported := 0
	for _, rec := range records {
		if rec.Validate() != nil {
			continue
		}

		ev := cal.AddEvent(fmt.Sprintf("%s@calsync", rec.ID))
		ev.SetDtStampTime(now)
		ev.SetSummary(rec.Title)
		ev.SetStartAt(rec.Start.UTC())
		ev.SetEndAt(rec.End.UTC())
		if loc := rec.Location(); loc != "" {
			ev.SetLocation(loc)
		}
		if desc := engine.ComposeDescription(rec); desc != "" {
			ev.SetDescription(desc)
		}
		if rec.AttendeeEmail != "" {
			ev.AddAttendee(rec.AttendeeEmail)
		}
		exported++
	}

	if err := cal.SerializeTo(w); err != nil {
		return 0, fmt.Errorf("serialize calendar: %w", err)
	}
	return exported, nil
}
