package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/fieldline/calsync/internal/engine"
)

// fakeRow feeds canned column values into scanRecord.
type fakeRow struct {
	vals []any
	err  error
}

func (f *fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	if len(dest) != len(f.vals) {
		return fmt.Errorf("scan arity %d, want %d", len(dest), len(f.vals))
	}
	for i, v := range f.vals {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case **string:
			if v == nil {
				*d = nil
			} else {
				s := v.(string)
				*d = &s
			}
		case *bool:
			*d = v.(bool)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v == nil {
				*d = nil
			} else {
				t := v.(time.Time)
				*d = &t
			}
		default:
			return fmt.Errorf("unhandled dest type %T at %d", dest[i], i)
		}
	}
	return nil
}

func TestScanRecord(t *testing.T) {
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	expires := start.Add(2 * time.Minute)

	row := &fakeRow{vals: []any{
		"r1", "Roof inspection", start, end, "notes",
		"Alvarez", "12 Oak St", "Bellingham", "WA", "98225",
		"invoiced", "crew@example.com", "main",
		"ev1", true, "owner-1", expires,
	}}
	rec, err := scanRecord(row)
	if err != nil {
		t.Fatalf("scanRecord: %v", err)
	}
	if rec.ID != "r1" || rec.Title != "Roof inspection" {
		t.Errorf("identity: %+v", rec)
	}
	if !rec.End.Equal(end) {
		t.Errorf("end = %v", rec.End)
	}
	if rec.GoogleEventID != "ev1" || !rec.Processed {
		t.Errorf("bookkeeping: %+v", rec)
	}
	if rec.LeaseOwner != "owner-1" || rec.LeaseExpires == nil || !rec.LeaseExpires.Equal(expires) {
		t.Errorf("lease: owner=%q expires=%v", rec.LeaseOwner, rec.LeaseExpires)
	}
}

func TestScanRecordNullableColumns(t *testing.T) {
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	row := &fakeRow{vals: []any{
		"r1", "Roof inspection", start, nil, "",
		"", "", "", "", "",
		"", "", "main",
		nil, false, nil, nil,
	}}
	rec, err := scanRecord(row)
	if err != nil {
		t.Fatalf("scanRecord: %v", err)
	}
	if !rec.End.IsZero() {
		t.Errorf("null end_at should stay zero, got %v", rec.End)
	}
	if rec.GoogleEventID != "" || rec.LeaseOwner != "" || rec.LeaseExpires != nil {
		t.Errorf("null columns should stay empty: %+v", rec)
	}
}

func TestScanRecordError(t *testing.T) {
	if _, err := scanRecord(&fakeRow{err: errors.New("bad row")}); err == nil {
		t.Fatal("scan error must surface")
	}
}

// openTestStore connects to the database named by CALSYNC_TEST_LEDGER_DSN.
// The suite below exercises real SQL and is skipped when no test database
// is available.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CALSYNC_TEST_LEDGER_DSN")
	if dsn == "" {
		t.Skip("CALSYNC_TEST_LEDGER_DSN not set")
	}
	s, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

func insertTestRecord(t *testing.T, s *Store, id, key string, start time.Time) {
	t.Helper()
	_, err := s.pool.Exec(context.Background(), `
		INSERT INTO ledger_records (id, title, start_at, calendar_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET processed = FALSE, google_event_id = NULL,
			lease_owner = NULL, lease_expires = NULL
	`, id, "Test visit "+id, start, key)
	if err != nil {
		t.Fatalf("insert record: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), `DELETE FROM ledger_records WHERE id = $1`, id)
	})
}

func TestUpdateRecordPartial(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	insertTestRecord(t, s, "t-update", "testkey", start)

	eventID := "ev-123"
	processed := true
	err := s.UpdateRecord(ctx, "t-update", engine.RecordPatch{GoogleEventID: &eventID, Processed: &processed})
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	rec, err := s.GetRecord(ctx, "t-update")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.GoogleEventID != "ev-123" || !rec.Processed {
		t.Errorf("patch not applied: %+v", rec)
	}

	// Clearing the event ID nulls the column without touching processed.
	empty := ""
	if err := s.UpdateRecord(ctx, "t-update", engine.RecordPatch{GoogleEventID: &empty}); err != nil {
		t.Fatalf("clear event id: %v", err)
	}
	rec, err = s.GetRecord(ctx, "t-update")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.GoogleEventID != "" {
		t.Errorf("event id not cleared: %q", rec.GoogleEventID)
	}
	if !rec.Processed {
		t.Error("processed was touched by an unrelated patch")
	}
}

func TestUpdateRecordMissing(t *testing.T) {
	s := openTestStore(t)
	processed := true
	err := s.UpdateRecord(context.Background(), "t-missing", engine.RecordPatch{Processed: &processed})
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestRecord(t, s, "t-lease", "testkey", time.Now().UTC())

	ok, err := s.AcquireLease(ctx, "t-lease", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}

	// A different owner bounces while the lease is live.
	ok, err = s.AcquireLease(ctx, "t-lease", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Error("live lease granted to a second owner")
	}

	// The holder can re-acquire its own lease.
	ok, err = s.AcquireLease(ctx, "t-lease", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Errorf("re-acquire by holder = %v, %v", ok, err)
	}

	// Release by a non-holder is a silent no-op.
	if err := s.ReleaseLease(ctx, "t-lease", "owner-b"); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	ok, _ = s.AcquireLease(ctx, "t-lease", "owner-b", time.Minute)
	if ok {
		t.Error("non-holder release cleared the lease")
	}

	// Release by the holder frees the record.
	if err := s.ReleaseLease(ctx, "t-lease", "owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = s.AcquireLease(ctx, "t-lease", "owner-b", time.Minute)
	if err != nil || !ok {
		t.Errorf("acquire after release = %v, %v", ok, err)
	}
}

func TestLeaseExpiryIsReclaimable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTestRecord(t, s, "t-expiry", "testkey", time.Now().UTC())

	ok, err := s.AcquireLease(ctx, "t-expiry", "owner-a", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	time.Sleep(1500 * time.Millisecond)

	ok, err = s.AcquireLease(ctx, "t-expiry", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if !ok {
		t.Error("expired lease not reclaimable")
	}
}

func TestFetchUnprocessedFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC()
	insertTestRecord(t, s, "t-f1", "testkey", start)
	insertTestRecord(t, s, "t-f2", "otherkey", start)

	processed := true
	if err := s.UpdateRecord(ctx, "t-f2", engine.RecordPatch{Processed: &processed}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	records, err := s.FetchUnprocessed(ctx, "testkey")
	if err != nil {
		t.Fatalf("FetchUnprocessed: %v", err)
	}
	for _, r := range records {
		if r.CalendarKey != "testkey" {
			t.Errorf("wrong key leaked through: %+v", r)
		}
		if r.Processed {
			t.Errorf("processed record leaked through: %+v", r)
		}
	}
}
