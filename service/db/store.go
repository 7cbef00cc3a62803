package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/mintscope/service/activity"
	"github.com/brojonat/mintscope/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	s.metrics.RecordDBQuery(operation, status, time.Since(start).Seconds())
}

// ClassificationFailure is a persisted classification failure.
type ClassificationFailure struct {
	Mint      string    `json:"mint"`
	Signature string    `json:"signature"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListClassificationFailuresParams filters failures. Empty fields match all.
type ListClassificationFailuresParams struct {
	Mint   string
	Reason string
	Limit  int32
}

// RecordClassificationFailures upserts failures for mint. A signature that
// fails again keeps a single row carrying the latest reason.
func (s *Store) RecordClassificationFailures(ctx context.Context, mint string, failures []*activity.ClassificationFailure) (err error) {
	if len(failures) == 0 {
		return nil
	}
	defer func(start time.Time) { s.observe("record_classification_failures", start, err) }(time.Now())

	batch := &pgx.Batch{}
	for _, f := range failures {
		batch.Queue(`
			INSERT INTO classification_failures (mint, signature, reason, detail)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (mint, signature)
			DO UPDATE SET reason = EXCLUDED.reason, detail = EXCLUDED.detail, created_at = now()`,
			mint, f.Signature, string(f.Reason), f.Detail,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// ListClassificationFailures returns failures newest first.
func (s *Store) ListClassificationFailures(ctx context.Context, params ListClassificationFailuresParams) (out []*ClassificationFailure, err error) {
	defer func(start time.Time) { s.observe("list_classification_failures", start, err) }(time.Now())

	if params.Limit <= 0 {
		params.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT mint, signature, reason, detail, created_at
		FROM classification_failures
		WHERE ($1 = '' OR mint = $1) AND ($2 = '' OR reason = $2)
		ORDER BY created_at DESC, signature
		LIMIT $3`,
		params.Mint, params.Reason, params.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var f ClassificationFailure
		if err := rows.Scan(&f.Mint, &f.Signature, &f.Reason, &f.Detail, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// SaveEvents stores events for mint and returns the ones that were not
// stored before.
func (s *Store) SaveEvents(ctx context.Context, mint string, events []activity.Event) (inserted []activity.Event, err error) {
	if len(events) == 0 {
		return nil, nil
	}
	defer func(start time.Time) { s.observe("save_events", start, err) }(time.Now())

	batch := &pgx.Batch{}
	for _, ev := range events {
		var amount *string
		if ev.PurchaseAmount != nil {
			a := ev.PurchaseAmount.String()
			amount = &a
		}
		batch.Queue(`
			INSERT INTO token_events (mint, signature, event_type, owner, previous_owner, purchase_amount, block_time)
			VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7)
			ON CONFLICT (mint, signature) DO NOTHING`,
			mint, ev.Signature, string(ev.Type), ev.Owner, ev.PreviousOwner, amount, ev.BlockTime,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, ev := range events {
		tag, err := br.Exec()
		if err != nil {
			return nil, fmt.Errorf("insert event %s: %w", ev.Signature, err)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, ev)
		}
	}
	return inserted, nil
}

// ListEvents returns stored events for mint, newest first.
func (s *Store) ListEvents(ctx context.Context, mint string, limit int32) (out []activity.Event, err error) {
	defer func(start time.Time) { s.observe("list_events", start, err) }(time.Now())

	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT signature, event_type, owner, previous_owner, purchase_amount::text, block_time
		FROM token_events
		WHERE mint = $1
		ORDER BY block_time DESC, signature
		LIMIT $2`,
		mint, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev        activity.Event
			eventType string
			amount    *string
		)
		if err := rows.Scan(&ev.Signature, &eventType, &ev.Owner, &ev.PreviousOwner, &amount, &ev.BlockTime); err != nil {
			return nil, err
		}
		ev.Type = activity.EventType(eventType)
		if amount != nil {
			d, err := decimal.NewFromString(*amount)
			if err != nil {
				return nil, fmt.Errorf("bad purchase amount for %s: %w", ev.Signature, err)
			}
			ev.PurchaseAmount = &d
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Watch is a mint whose activity is refreshed on a schedule.
type Watch struct {
	Mint            string        `json:"mint"`
	RefreshInterval time.Duration `json:"refresh_interval"`
	CreatedAt       time.Time     `json:"created_at"`
	LastRefreshedAt *time.Time    `json:"last_refreshed_at,omitempty"`
	LastEventCount  int           `json:"last_event_count"`
}

const watchColumns = `mint, refresh_interval, created_at, last_refreshed_at, last_event_count`

func scanWatch(row pgx.Row) (*Watch, error) {
	var (
		w         Watch
		interval  pgtype.Interval
		refreshed pgtype.Timestamptz
	)
	if err := row.Scan(&w.Mint, &interval, &w.CreatedAt, &refreshed, &w.LastEventCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.RefreshInterval = durationFromPgInterval(interval)
	w.LastRefreshedAt = timePtrFromPgTimestamptz(refreshed)
	return &w, nil
}

// UpsertWatch creates a watch or updates its interval.
func (s *Store) UpsertWatch(ctx context.Context, mint string, interval time.Duration) (w *Watch, err error) {
	defer func(start time.Time) { s.observe("upsert_watch", start, err) }(time.Now())

	return scanWatch(s.pool.QueryRow(ctx, `
		INSERT INTO watches (mint, refresh_interval)
		VALUES ($1, $2)
		ON CONFLICT (mint) DO UPDATE SET refresh_interval = EXCLUDED.refresh_interval
		RETURNING `+watchColumns,
		mint, pgIntervalFromDuration(interval),
	))
}

func (s *Store) GetWatch(ctx context.Context, mint string) (w *Watch, err error) {
	defer func(start time.Time) { s.observe("get_watch", start, err) }(time.Now())

	return scanWatch(s.pool.QueryRow(ctx, `SELECT `+watchColumns+` FROM watches WHERE mint = $1`, mint))
}

func (s *Store) ListWatches(ctx context.Context) (out []*Watch, err error) {
	defer func(start time.Time) { s.observe("list_watches", start, err) }(time.Now())

	rows, err := s.pool.Query(ctx, `SELECT `+watchColumns+` FROM watches ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWatch removes a watch. Deleting a missing watch returns ErrNotFound.
func (s *Store) DeleteWatch(ctx context.Context, mint string) (err error) {
	defer func(start time.Time) { s.observe("delete_watch", start, err) }(time.Now())

	tag, err := s.pool.Exec(ctx, `DELETE FROM watches WHERE mint = $1`, mint)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkWatchRefreshed records a completed refresh.
func (s *Store) MarkWatchRefreshed(ctx context.Context, mint string, at time.Time, eventCount int) (err error) {
	defer func(start time.Time) { s.observe("mark_watch_refreshed", start, err) }(time.Now())

	_, err = s.pool.Exec(ctx, `
		UPDATE watches SET last_refreshed_at = $2, last_event_count = $3 WHERE mint = $1`,
		mint, at, eventCount,
	)
	return err
}

func pgIntervalFromDuration(d time.Duration) pgtype.Interval {
	return pgtype.Interval{Microseconds: d.Microseconds(), Valid: true}
}

func durationFromPgInterval(i pgtype.Interval) time.Duration {
	if !i.Valid {
		return 0
	}
	return time.Duration(i.Microseconds)*time.Microsecond +
		time.Duration(i.Days)*24*time.Hour +
		time.Duration(i.Months)*30*24*time.Hour
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
