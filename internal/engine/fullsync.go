package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/calsync/internal/model"
)

// ReconcileAll performs the authoritative ledger ↔ calendar diff: every
// record carrying a calendar linkage is checked against the live calendar
// state. externally-deleted events get their record cleared so the next
// incremental pass recreates them; drifted events are deleted and the
// record cleared likewise. Recreation never happens inline here, which
// keeps the mode read-mostly and idempotent.
//
// timeMin bounds the calendar snapshot; a zero value scans from the epoch.
// Records without a linkage are left untouched, they belong to Run.
func (e *Engine) ReconcileAll(ctx context.Context, calendarID, calendarKey string, timeMin time.Time) (*model.Outcome, error) {
	out := model.NewOutcome(calendarKey, model.ModeFull)
	out.StartedAt = time.Now()
	defer func() { out.FinishedAt = time.Now() }()

	if err := e.checkCredentials(ctx); err != nil {
		return nil, err
	}

	bounded := !timeMin.IsZero()
	if !bounded {
		timeMin = epoch
	}
	events, err := e.listAllEvents(ctx, calendarID, timeMin, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("fetch calendar snapshot: %w", err)
	}
	byID := make(map[string]*model.CalendarEvent, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	records, err := e.ledger.FetchAll(ctx, calendarKey)
	if err != nil {
		return nil, fmt.Errorf("fetch ledger records: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if rec.GoogleEventID == "" {
			continue
		}

		ev, found := byID[rec.GoogleEventID]
		if !found && bounded {
			// The snapshot only covers events starting at timeMin; an
			// older event is invisible here, not deleted. Confirm with a
			// direct get before clearing the record.
			full, gerr := e.cal.GetEvent(ctx, calendarID, rec.GoogleEventID)
			switch {
			case errors.Is(gerr, ErrNotFound):
				// Confirmed gone.
			case gerr != nil:
				e.cfg.Logger.Printf("confirm event %s for record %s: %v", rec.GoogleEventID, rec.ID, gerr)
				out.Failed = append(out.Failed, rec.ID)
				continue
			default:
				ev, found = full, true
			}
		}
		switch {
		case !found:
			// Deleted externally: surface the record for recreation.
			e.cfg.Logger.Printf("event %s for record %s gone from calendar, clearing", rec.GoogleEventID, rec.ID)
			if uerr := e.markUnprocessed(ctx, rec.ID); uerr != nil {
				e.cfg.Logger.Printf("clear record %s: %v", rec.ID, uerr)
				out.Failed = append(out.Failed, rec.ID)
				continue
			}
			out.Updated = append(out.Updated, rec.ID)

		case Different(rec, ev, e.cfg.CompareDescription):
			// Drifted: remove the stale event now, recreate on the next
			// incremental pass.
			if derr := e.cal.DeleteEvent(ctx, calendarID, ev.ID); derr != nil && !errors.Is(derr, ErrNotFound) {
				e.cfg.Logger.Printf("delete drifted event %s: %v", ev.ID, derr)
				out.Failed = append(out.Failed, rec.ID)
				continue
			}
			if uerr := e.markUnprocessed(ctx, rec.ID); uerr != nil {
				e.cfg.Logger.Printf("clear record %s: %v", rec.ID, uerr)
				out.Failed = append(out.Failed, rec.ID)
				continue
			}
			out.Updated = append(out.Updated, rec.ID)

		default:
			out.Unchanged = append(out.Unchanged, rec.ID)
		}
	}

	e.cfg.Logger.Printf("full sync complete key=%s repaired=%d unchanged=%d failed=%d",
		calendarKey, len(out.Updated), len(out.Unchanged), len(out.Failed))
	return out, nil
}
