package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"crmbot/internal/task"
	logx "crmbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultQuietPeriod = 30 * time.Minute

// Store is the persisted task state machine plus the batch sequencer.
//
// The poll loop is the only writer in practice, but the batch counter
// increment is transactional either way so concurrent callers can never
// observe the same number.
type Store struct {
	db  *sql.DB
	log logx.Logger

	quietPeriod time.Duration

	// now is the clock; swapped in tests.
	now func() time.Time
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	quiet := cfg.QuietPeriod
	if quiet <= 0 {
		quiet = defaultQuietPeriod
	}
	s := &Store{db: db, log: log, quietPeriod: quiet, now: time.Now}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Evaluate folds one observed task into the store and decides whether it
// should be enqueued for sending.
//
// First observation inserts the row and always yields DecisionNew (the
// caller pre-filters claimed tasks; the store does not). Re-observation
// updates last_seen_at and the urgency flags in place; the urgency
// escalation fires on the rising edge only, and never for a task that was
// already dispatched as urgent. The stale refresh fires when more than the
// quiet period elapsed since the last confirmed send.
func (s *Store) Evaluate(ctx context.Context, t task.Task) (Decision, error) {
	now := s.now().UnixMilli()

	var (
		wasUrgent       bool
		wasSentAsUrgent bool
		lastSentAt      sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT is_urgent, was_sent_as_urgent, last_sent_at
		   FROM call_tasks WHERE request_id = ? AND scheduled_time = ?`,
		t.ID, t.ScheduledTime,
	).Scan(&wasUrgent, &wasSentAsUrgent, &lastSentAt)

	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO call_tasks
			   (request_id, scheduled_time, city, is_urgent, was_sent_as_urgent, first_seen_at, last_seen_at)
			 VALUES (?,?,?,?,?,?,?)`,
			t.ID, t.ScheduledTime, t.City, t.IsUrgent, t.IsUrgent, now, now,
		)
		if err != nil {
			return DecisionNone, fmt.Errorf("%w: insert: %v", ErrStorage, err)
		}
		return DecisionNew, nil
	}
	if err != nil {
		return DecisionNone, fmt.Errorf("%w: lookup: %v", ErrStorage, err)
	}

	decision := DecisionNone
	switch {
	case t.IsUrgent && !wasUrgent && !wasSentAsUrgent:
		decision = DecisionUrgentEscalation
	case lastSentAt.Valid && time.Duration(now-lastSentAt.Int64)*time.Millisecond > s.quietPeriod:
		decision = DecisionStaleRefresh
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE call_tasks
		    SET last_seen_at = ?, city = ?, is_urgent = ?,
		        was_sent_as_urgent = was_sent_as_urgent OR ?
		  WHERE request_id = ? AND scheduled_time = ?`,
		now, t.City, t.IsUrgent, t.IsUrgent, t.ID, t.ScheduledTime,
	)
	if err != nil {
		return DecisionNone, fmt.Errorf("%w: update: %v", ErrStorage, err)
	}
	return decision, nil
}

// MarkSent records a confirmed delivery: bumps last_sent_at and appends the
// batch number. Call only after the notifier reports success.
func (s *Store) MarkSent(ctx context.Context, id int, scheduledTime string, batch int64) error {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE call_tasks
		    SET last_sent_at = MAX(COALESCE(last_sent_at, 0), ?),
		        batch_numbers = CASE WHEN batch_numbers = ''
		                             THEN ?
		                             ELSE batch_numbers || ',' || ? END
		  WHERE request_id = ? AND scheduled_time = ?`,
		now, strconv.FormatInt(batch, 10), strconv.FormatInt(batch, 10), id, scheduledTime,
	)
	if err != nil {
		return fmt.Errorf("%w: mark sent: %v", ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: mark sent: no row for (%d, %q)", ErrStorage, id, scheduledTime)
	}
	return nil
}

// Purge deletes rows not seen for longer than maxAge. A row whose
// last_sent_at is still within the window survives even if unobserved:
// recently notified history must outlive the scrape horizon.
func (s *Store) Purge(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM call_tasks
		  WHERE last_seen_at < ?
		    AND (last_sent_at IS NULL OR last_sent_at < ?)`,
		cutoff, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %v", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// NextBatchNumber atomically increments and returns the persisted batch
// counter. Starts at 0; the first call returns 1.
func (s *Store) NextBatchNumber(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE batch_counter SET last_batch_number = last_batch_number + 1
		  WHERE id = 1 RETURNING last_batch_number`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: batch counter: %v", ErrStorage, err)
	}
	return n, nil
}

// Get returns the tracked row for an identity, or ok=false.
func (s *Store) Get(ctx context.Context, id int, scheduledTime string) (TrackedTask, bool, error) {
	var (
		tt       TrackedTask
		first    int64
		seen     int64
		sent     sql.NullInt64
		batchCSV string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT request_id, scheduled_time, city, is_urgent, was_sent_as_urgent,
		        first_seen_at, last_seen_at, last_sent_at, batch_numbers
		   FROM call_tasks WHERE request_id = ? AND scheduled_time = ?`,
		id, scheduledTime,
	).Scan(&tt.RequestID, &tt.ScheduledTime, &tt.City, &tt.IsUrgent, &tt.WasSentAsUrgent,
		&first, &seen, &sent, &batchCSV)
	if errors.Is(err, sql.ErrNoRows) {
		return TrackedTask{}, false, nil
	}
	if err != nil {
		return TrackedTask{}, false, fmt.Errorf("%w: get: %v", ErrStorage, err)
	}
	tt.FirstSeenAt = time.UnixMilli(first)
	tt.LastSeenAt = time.UnixMilli(seen)
	if sent.Valid {
		tt.LastSentAt = time.UnixMilli(sent.Int64)
	}
	tt.BatchNumbers = parseBatchCSV(batchCSV)
	return tt, true, nil
}

// SentCountsByHour buckets confirmed sends from the trailing window by
// hour of day, shifted into the reporting timezone by offsetHours.
func (s *Store) SentCountsByHour(ctx context.Context, window time.Duration, offsetHours int) (map[int]int64, error) {
	cutoff := s.now().Add(-window).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT last_sent_at FROM call_tasks
		  WHERE last_sent_at IS NOT NULL AND last_sent_at >= ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: sent counts: %v", ErrStorage, err)
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("%w: sent counts: %v", ErrStorage, err)
		}
		h := (time.UnixMilli(ms).UTC().Hour() + offsetHours) % 24
		if h < 0 {
			h += 24
		}
		counts[h]++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: sent counts: %v", ErrStorage, err)
	}
	return counts, nil
}

// Stats summarizes the table for the startup report.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(last_sent_at),
		        COALESCE(SUM(is_urgent), 0)
		   FROM call_tasks`,
	).Scan(&st.Tracked, &st.Sent, &st.Urgent)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %v", ErrStorage, err)
	}
	return st, nil
}

func parseBatchCSV(csv string) []int64 {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
