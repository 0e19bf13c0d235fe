package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/calsync/internal/model"
)

// epoch is the default timeMin for full calendar scans.
var epoch = time.Unix(0, 0).UTC()

// Config holds the engine's timing knobs. Zero values fall back to the
// defaults from DefaultConfig.
type Config struct {
	// MatchWindow is the ± tolerance when matching a record's start against
	// calendar event starts, to tolerate clock skew between the sources.
	MatchWindow time.Duration

	// SettleDelay is how long to wait before releasing a record's lease,
	// letting the ledger's eventual consistency catch up.
	SettleDelay time.Duration

	// RecordDelay is the pause inserted between records during bulk runs
	// to respect upstream rate limits. Zero disables it.
	RecordDelay time.Duration

	// LeaseTTL bounds how long a crashed run can hold a record.
	LeaseTTL time.Duration

	// CompareDescription includes the composed description in the
	// cross-source diff.
	CompareDescription bool

	// Logger for engine activity. Nil means a stderr default.
	Logger *log.Logger

	// Sleep is the suspension primitive, injectable for tests. Nil means
	// a context-aware time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the timing defaults observed to be load-bearing:
// a 5 minute match window, 6 second settle delay, 12 second inter-record
// delay and a 2 minute lease TTL.
func DefaultConfig() *Config {
	return &Config{
		MatchWindow:        5 * time.Minute,
		SettleDelay:        6 * time.Second,
		RecordDelay:        12 * time.Second,
		LeaseTTL:           2 * time.Minute,
		CompareDescription: true,
		Logger:             log.New(os.Stderr, "[engine] ", log.LstdFlags),
		Sleep:              sleepCtx,
	}
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Engine reconciles ledger records against calendar events. One engine
// serves any number of runs, but callers must not run the same calendar
// concurrently; the driver holds a per-calendar busy gate for that.
type Engine struct {
	ledger Ledger
	cal    Calendar
	creds  Credentials
	cfg    *Config
}

// New creates an Engine. creds may be nil when the calendar client carries
// its own credentials; cfg nil means DefaultConfig.
func New(ledger Ledger, cal Calendar, creds Credentials, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = 5 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	return &Engine{ledger: ledger, cal: cal, creds: creds, cfg: cfg}
}

// Run performs one incremental reconciliation pass: every unprocessed
// record bound to calendarKey is matched against the calendar identified by
// calendarID and the corrective mutation applied.
//
// Records are processed strictly sequentially. A single record's failure
// is recorded in the outcome and the loop continues; a failure of the
// initial fetches or of the credential check aborts the run with zero
// mutations applied.
func (e *Engine) Run(ctx context.Context, calendarID, calendarKey string) (*model.Outcome, error) {
	out := model.NewOutcome(calendarKey, model.ModeIncremental)
	out.StartedAt = time.Now()
	defer func() { out.FinishedAt = time.Now() }()

	if err := e.checkCredentials(ctx); err != nil {
		return nil, err
	}

	records, err := e.ledger.FetchUnprocessed(ctx, calendarKey)
	if err != nil {
		return nil, fmt.Errorf("fetch unprocessed records: %w", err)
	}

	// Ledger duplicates: same normalized (title, start, calendar key).
	// Flagged records are cleared and skipped for this pass; the survivor
	// syncs normally.
	records = e.skipLedgerDuplicates(ctx, records, out)

	events, err := e.listAllEvents(ctx, calendarID, epoch, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("fetch calendar snapshot: %w", err)
	}

	owner := uuid.NewString()
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			// Cancellation is cooperative: mutations applied so far stay
			// committed.
			return out, err
		}
		if i > 0 && e.cfg.RecordDelay > 0 {
			if err := e.cfg.Sleep(ctx, e.cfg.RecordDelay); err != nil {
				return out, err
			}
		}

		if err := e.processRecord(ctx, calendarID, rec, owner, &events, out); err != nil && errors.Is(err, ErrAuth) {
			return out, err
		}
	}

	e.cfg.Logger.Printf("run complete key=%s added=%d updated=%d unchanged=%d failed=%d dups=%d",
		calendarKey, len(out.Added), len(out.Updated), len(out.Unchanged), len(out.Failed), len(out.Duplicates))
	return out, nil
}

// checkCredentials verifies a bearer token is available before any work.
// Unavailable credentials are fatal for the run; retrying or refreshing is
// the provider's job, not the engine's.
func (e *Engine) checkCredentials(ctx context.Context) error {
	if e.creds == nil {
		return nil
	}
	if _, err := e.creds.Token(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return nil
}

// skipLedgerDuplicates removes duplicate-keyed records from the slice,
// clears their sync bookkeeping so they surface for manual review, and
// records them in the outcome. Records already cross-referenced into the
// calendar are canonical and never flagged.
func (e *Engine) skipLedgerDuplicates(ctx context.Context, records []*model.LedgerRecord, out *model.Outcome) []*model.LedgerRecord {
	keyed := make([]Keyed, len(records))
	for i, r := range records {
		keyed[i] = Keyed{ID: r.ID, Key: r.Key(), Canonical: r.GoogleEventID != ""}
	}
	dups := FindDuplicates(keyed)
	if len(dups) == 0 {
		return records
	}

	kept := records[:0]
	for _, r := range records {
		if !dups[r.ID] {
			kept = append(kept, r)
			continue
		}
		e.cfg.Logger.Printf("ledger duplicate %s (%q @ %s), skipping this pass",
			r.ID, r.Title, r.Start.Format(time.RFC3339))
		if err := e.markUnprocessed(ctx, r.ID); err != nil {
			e.cfg.Logger.Printf("failed to clear duplicate %s: %v", r.ID, err)
		}
		out.Duplicates = append(out.Duplicates, r.ID)
	}
	return kept
}

// processRecord drives one record through the per-record state machine:
// lease, match, mutate, settle, release. The lease release is unconditional
// so a failed record is never left held.
func (e *Engine) processRecord(ctx context.Context, calendarID string, rec *model.LedgerRecord, owner string, events *[]*model.CalendarEvent, out *model.Outcome) error {
	if err := rec.Validate(); err != nil {
		verr := &ValidationError{RecordID: rec.ID, Reason: err.Error()}
		e.cfg.Logger.Printf("skipping %s: %v", rec.ID, verr)
		out.Failed = append(out.Failed, rec.ID)
		return verr
	}

	ok, err := e.ledger.AcquireLease(ctx, rec.ID, owner, e.cfg.LeaseTTL)
	if err != nil {
		e.cfg.Logger.Printf("lease %s: %v", rec.ID, err)
		out.Failed = append(out.Failed, rec.ID)
		return err
	}
	if !ok {
		e.cfg.Logger.Printf("record %s is held by another run, skipping", rec.ID)
		out.Failed = append(out.Failed, rec.ID)
		return nil
	}

	status, eventID, err := e.syncOne(ctx, calendarID, rec, *events)

	// Settle before release so the ledger's eventual consistency catches
	// up, then release regardless of outcome.
	_ = e.cfg.Sleep(ctx, e.cfg.SettleDelay)
	e.releaseLease(rec.ID, owner)

	switch {
	case err != nil:
		e.cfg.Logger.Printf("record %s failed: %v", rec.ID, err)
		out.Failed = append(out.Failed, rec.ID)
		return err
	case status == statusAdded:
		out.Added = append(out.Added, rec.ID)
		*events = append(*events, withID(EventFromRecord(rec), eventID))
	case status == statusUpdated:
		out.Updated = append(out.Updated, rec.ID)
		*events = append(*events, withID(EventFromRecord(rec), eventID))
	default:
		out.Unchanged = append(out.Unchanged, rec.ID)
	}
	return nil
}

type syncStatus int

const (
	statusUnchanged syncStatus = iota
	statusAdded
	statusUpdated
)

// syncOne applies the corrective mutation for one leased record and returns
// what happened. No googleEventId is written on any error path.
func (e *Engine) syncOne(ctx context.Context, calendarID string, rec *model.LedgerRecord, events []*model.CalendarEvent) (syncStatus, string, error) {
	match := findMatch(events, rec, e.cfg.MatchWindow)
	if match != nil {
		full, err := e.cal.GetEvent(ctx, calendarID, match.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			// Deleted between snapshot and now; fall through to create.
		case err != nil:
			return statusUnchanged, "", fmt.Errorf("get event %s: %w", match.ID, err)
		case Different(rec, full, e.cfg.CompareDescription):
			// Replace, never merge in place: delete the stale event, then
			// create a fresh one from the record's fields.
			if derr := e.cal.DeleteEvent(ctx, calendarID, full.ID); derr != nil && !errors.Is(derr, ErrNotFound) {
				return statusUnchanged, "", fmt.Errorf("delete stale event %s: %w", full.ID, derr)
			}
			id, cerr := e.cal.CreateEvent(ctx, calendarID, EventFromRecord(rec))
			if cerr != nil {
				return statusUnchanged, "", fmt.Errorf("recreate event: %w", cerr)
			}
			if uerr := e.markSynced(ctx, rec.ID, id); uerr != nil {
				return statusUnchanged, "", fmt.Errorf("write back event id: %w", uerr)
			}
			return statusUpdated, id, nil
		default:
			// Identical after normalization: no calendar mutation, but the
			// record is still marked seen. The write is idempotent and
			// repairs a missing or stale linkage, keeping the next pass a
			// strict no-op.
			if uerr := e.markSynced(ctx, rec.ID, full.ID); uerr != nil {
				return statusUnchanged, "", fmt.Errorf("mark seen: %w", uerr)
			}
			return statusUnchanged, full.ID, nil
		}
	}

	id, err := e.cal.CreateEvent(ctx, calendarID, EventFromRecord(rec))
	if err != nil {
		return statusUnchanged, "", fmt.Errorf("create event: %w", err)
	}
	if uerr := e.markSynced(ctx, rec.ID, id); uerr != nil {
		return statusUnchanged, "", fmt.Errorf("write back event id: %w", uerr)
	}
	return statusAdded, id, nil
}

// findMatch returns the first event whose normalized title equals the
// record's and whose start lies within ±window of the record's start.
func findMatch(events []*model.CalendarEvent, rec *model.LedgerRecord, window time.Duration) *model.CalendarEvent {
	title := model.NormalizeText(rec.Title)
	for _, ev := range events {
		if model.NormalizeText(ev.Title) != title {
			continue
		}
		d := ev.Start.Sub(rec.Start)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return ev
		}
	}
	return nil
}

// listAllEvents walks the paginated listing until NextPageToken is
// exhausted so callers always see a complete snapshot.
func (e *Engine) listAllEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]*model.CalendarEvent, error) {
	var all []*model.CalendarEvent
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := e.cal.ListEvents(ctx, calendarID, timeMin, timeMax, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.NextPageToken == "" {
			return all, nil
		}
		token = page.NextPageToken
	}
}

// markSynced records the calendar linkage on the ledger record.
func (e *Engine) markSynced(ctx context.Context, recordID, eventID string) error {
	processed := true
	return e.ledger.UpdateRecord(ctx, recordID, RecordPatch{
		GoogleEventID: &eventID,
		Processed:     &processed,
	})
}

// markUnprocessed clears the calendar linkage so the next incremental pass
// picks the record up again.
func (e *Engine) markUnprocessed(ctx context.Context, recordID string) error {
	empty := ""
	processed := false
	return e.ledger.UpdateRecord(ctx, recordID, RecordPatch{
		GoogleEventID: &empty,
		Processed:     &processed,
	})
}

// releaseLease clears the lease outside the run context so cancellation
// cannot leave a record held until TTL expiry.
func (e *Engine) releaseLease(recordID, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.ledger.ReleaseLease(ctx, recordID, owner); err != nil {
		e.cfg.Logger.Printf("release lease %s: %v", recordID, err)
	}
}

// withID stamps an ID onto an event built from a record.
func withID(ev *model.CalendarEvent, id string) *model.CalendarEvent {
	ev.ID = id
	return ev
}
