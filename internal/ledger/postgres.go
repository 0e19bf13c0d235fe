// Package ledger implements the record-store client over PostgreSQL.
//
// The ledger is the system of record for jobs to be scheduled. Records are
// created by the intake application; this package only reads them and
// updates the sync bookkeeping columns (google_event_id, processed) and the
// lease columns. It never deletes a record.
package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldline/calsync/internal/engine"
	"github.com/fieldline/calsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// selectCols is the column list shared by every record query.
const selectCols = `id, title, start_at, end_at, description, homeowner,
       street, city, state, zip, billing_status, attendee_email,
       calendar_key, google_event_id, processed, lease_owner, lease_expires`

// Store is the PostgreSQL-backed ledger client. It implements
// engine.Ledger.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool and fails fast if the database is
// unreachable. The caller must Close the store when done.
func Open(ctx context.Context, dsn string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// FetchUnprocessed implements engine.Ledger. The processed filter and the
// calendar-key filter are both applied server-side.
func (s *Store) FetchUnprocessed(ctx context.Context, calendarKey string) ([]*model.LedgerRecord, error) {
	query := `SELECT ` + selectCols + `
	FROM ledger_records
	WHERE processed = FALSE`
	args := []any{}
	if calendarKey != "" {
		query += ` AND calendar_key = $1`
		args = append(args, calendarKey)
	}
	query += ` ORDER BY start_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// FetchAll implements engine.Ledger. Processed records are included; an
// empty calendarKey returns every record.
func (s *Store) FetchAll(ctx context.Context, calendarKey string) ([]*model.LedgerRecord, error) {
	query := `SELECT ` + selectCols + ` FROM ledger_records`
	args := []any{}
	if calendarKey != "" {
		query += ` WHERE calendar_key = $1`
		args = append(args, calendarKey)
	}
	query += ` ORDER BY start_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// UpdateRecord implements engine.Ledger. Only non-nil patch fields are
// written; everything else is left untouched server-side. An empty
// GoogleEventID clears the column to NULL.
func (s *Store) UpdateRecord(ctx context.Context, id string, patch engine.RecordPatch) error {
	sets := make([]string, 0, 2)
	args := []any{id}

	if patch.GoogleEventID != nil {
		if *patch.GoogleEventID == "" {
			sets = append(sets, "google_event_id = NULL")
		} else {
			args = append(args, *patch.GoogleEventID)
			sets = append(sets, fmt.Sprintf("google_event_id = $%d", len(args)))
		}
	}
	if patch.Processed != nil {
		args = append(args, *patch.Processed)
		sets = append(sets, fmt.Sprintf("processed = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}

	query := `UPDATE ledger_records SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update record %s: %w", id, engine.ErrNotFound)
	}
	return nil
}

// AcquireLease implements engine.Ledger with a conditional update: the
// write succeeds only when the record holds no lease or the lease has
// expired, so concurrent runs cannot both hold a record.
func (s *Store) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_records
		SET lease_owner = $2, lease_expires = now() + make_interval(secs => $3)
		WHERE id = $1
		  AND (lease_owner IS NULL OR lease_owner = $2 OR lease_expires < now())
	`, id, owner, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lease on %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease implements engine.Ledger. Only the current owner can clear
// the lease; releasing a lease that was already lost is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ledger_records
		SET lease_owner = NULL, lease_expires = NULL
		WHERE id = $1 AND lease_owner = $2
	`, id, owner)
	if err != nil {
		return fmt.Errorf("release lease on %s: %w", id, err)
	}
	return nil
}

// GetRecord fetches a single record by ID. Returns engine.ErrNotFound when
// the record does not exist.
func (s *Store) GetRecord(ctx context.Context, id string) (*model.LedgerRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectCols+` FROM ledger_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.LedgerRecord, error) {
	var (
		rec          model.LedgerRecord
		endAt        *time.Time
		eventID      *string
		leaseOwner   *string
		leaseExpires *time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.Title, &rec.Start, &endAt, &rec.Description,
		&rec.Homeowner, &rec.Street, &rec.City, &rec.State, &rec.Zip,
		&rec.BillingStatus, &rec.AttendeeEmail, &rec.CalendarKey,
		&eventID, &rec.Processed, &leaseOwner, &leaseExpires,
	)
	if err != nil {
		return nil, err
	}
	if endAt != nil {
		rec.End = *endAt
	}
	if eventID != nil {
		rec.GoogleEventID = *eventID
	}
	if leaseOwner != nil {
		rec.LeaseOwner = *leaseOwner
	}
	rec.LeaseExpires = leaseExpires
	return &rec, nil
}

func scanRecords(rows pgx.Rows) ([]*model.LedgerRecord, error) {
	var records []*model.LedgerRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}
