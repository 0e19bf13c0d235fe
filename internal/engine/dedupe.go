package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/calsync/internal/model"
)

// RemoveDuplicates deletes calendar events that collide on the normalized
// (title, start-to-the-minute) key. Events referenced by a ledger record's
// googleEventId are canonical and never deleted. When a deleted duplicate
// was referenced by a record, that record is cleared so the next
// incremental pass relinks it.
//
// Must run after creation passes in a cycle; duplicates are usually the
// residue of a race between a creation and a concurrent external edit.
// "Already deleted" responses from the calendar count as success.
func (e *Engine) RemoveDuplicates(ctx context.Context, calendarID, calendarKey string) (*model.Outcome, error) {
	out := model.NewOutcome(calendarKey, model.ModeDedupe)
	out.StartedAt = time.Now()
	defer func() { out.FinishedAt = time.Now() }()

	if err := e.checkCredentials(ctx); err != nil {
		return nil, err
	}

	events, err := e.listAllEvents(ctx, calendarID, epoch, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("fetch calendar snapshot: %w", err)
	}

	records, err := e.ledger.FetchAll(ctx, calendarKey)
	if err != nil {
		return nil, fmt.Errorf("fetch ledger records: %w", err)
	}

	// Events the ledger points at are the canonical copies.
	owners := make(map[string]string, len(records)) // event ID -> record ID
	for _, rec := range records {
		if rec.GoogleEventID != "" {
			owners[rec.GoogleEventID] = rec.ID
		}
	}

	keyed := make([]Keyed, len(events))
	for i, ev := range events {
		_, referenced := owners[ev.ID]
		keyed[i] = Keyed{ID: ev.ID, Key: ev.Key(), Canonical: referenced}
	}
	dups := FindDuplicates(keyed)

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if !dups[ev.ID] {
			continue
		}

		if derr := e.cal.DeleteEvent(ctx, calendarID, ev.ID); derr != nil && !errors.Is(derr, ErrNotFound) {
			e.cfg.Logger.Printf("delete duplicate event %s: %v", ev.ID, derr)
			if recID, ok := owners[ev.ID]; ok {
				out.Failed = append(out.Failed, recID)
			}
			continue
		}
		e.cfg.Logger.Printf("removed duplicate event %s (%q @ %s)", ev.ID, ev.Title, ev.Start.Format(time.RFC3339))
		out.RemovedEvents = append(out.RemovedEvents, ev.ID)

		if recID, ok := owners[ev.ID]; ok {
			if uerr := e.markUnprocessed(ctx, recID); uerr != nil {
				e.cfg.Logger.Printf("clear record %s: %v", recID, uerr)
				out.Failed = append(out.Failed, recID)
				continue
			}
			out.Updated = append(out.Updated, recID)
		}
	}

	e.cfg.Logger.Printf("dedupe complete key=%s removed=%d cleared=%d failed=%d",
		calendarKey, len(out.RemovedEvents), len(out.Updated), len(out.Failed))
	return out, nil
}
