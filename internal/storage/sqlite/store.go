// Package sqlite implements the storage contract on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/farepilot/farepilot/internal/platform/storage/sqlitemigrate"
	"github.com/farepilot/farepilot/internal/storage"
	"github.com/farepilot/farepilot/internal/storage/sqlite/migrations"
)

// Store persists aggregates in a single SQLite file in WAL mode.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating the parent directory when
// needed, and applies the embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := clean + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutOffers archives a batch of scored offers. Replayed batches are
// idempotent on offer id.
func (s *Store) PutOffers(ctx context.Context, offers []storage.OfferRecord) error {
	if len(offers) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put offers: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO offers (
		    id, platform, category, fare_cents, trip_km, pickup_km,
		    score, verdict, per_km_cents, observed_at_ms, session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("put offers: %w", err)
	}
	defer stmt.Close()

	for _, o := range offers {
		if _, err := stmt.ExecContext(ctx,
			o.ID, o.Platform, o.Category, o.FareCents, o.TripKm, o.PickupKm,
			o.Score, o.Verdict, o.PerKmCents, toMillis(o.ObservedAt), nullString(o.SessionID),
		); err != nil {
			return fmt.Errorf("put offer %s: %w", o.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put offers: %w", err)
	}
	return nil
}

// PruneOffers deletes archived offers observed before the cutoff and
// returns how many rows went.
func (s *Store) PruneOffers(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM offers WHERE observed_at_ms < ?", toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune offers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune offers: %w", err)
	}
	return n, nil
}

// PutSession upserts a session record. The exported flag survives updates,
// so a re-put after export does not resend the session.
func (s *Store) PutSession(ctx context.Context, rec storage.SessionRecord) error {
	var ended any
	if !rec.EndedAt.IsZero() {
		ended = toMillis(rec.EndedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
		    id, started_at_ms, ended_at_ms, offers_seen, offers_accepted,
		    trips_completed, trips_canceled, earnings_cents, breaks
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    started_at_ms = excluded.started_at_ms,
		    ended_at_ms = excluded.ended_at_ms,
		    offers_seen = excluded.offers_seen,
		    offers_accepted = excluded.offers_accepted,
		    trips_completed = excluded.trips_completed,
		    trips_canceled = excluded.trips_canceled,
		    earnings_cents = excluded.earnings_cents,
		    breaks = excluded.breaks`,
		rec.ID, toMillis(rec.StartedAt), ended, rec.OffersSeen, rec.OffersAccepted,
		rec.TripsCompleted, rec.TripsCanceled, rec.EarningsCents, rec.Breaks,
	)
	if err != nil {
		return fmt.Errorf("put session %s: %w", rec.ID, err)
	}
	return nil
}

// GetSessions returns sessions started in [from, to) ordered by start time.
func (s *Store) GetSessions(ctx context.Context, from, to time.Time) ([]storage.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at_ms, ended_at_ms, offers_seen, offers_accepted,
		       trips_completed, trips_canceled, earnings_cents, breaks
		  FROM sessions
		 WHERE started_at_ms >= ? AND started_at_ms < ?
		 ORDER BY started_at_ms ASC`,
		toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// GetUnexportedSessions returns finished sessions not yet exported, oldest
// first.
func (s *Store) GetUnexportedSessions(ctx context.Context, limit int) ([]storage.SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at_ms, ended_at_ms, offers_seen, offers_accepted,
		       trips_completed, trips_canceled, earnings_cents, breaks
		  FROM sessions
		 WHERE exported = 0 AND ended_at_ms IS NOT NULL
		 ORDER BY ended_at_ms ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get unexported sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// MarkSessionsExported flags the given session ids as exported.
func (s *Store) MarkSessionsExported(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET exported = 1 WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("mark sessions exported: %w", err)
	}
	return nil
}

// UpsertDailyStats merges the deltas into their date rows by addition.
func (s *Store) UpsertDailyStats(ctx context.Context, deltas []storage.DailyDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert daily stats: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range deltas {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_stats (
			    date, offers_seen, offers_accepted, trips_completed,
			    earnings_cents, online_ms, per_km_sum_cents, per_km_count
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(date) DO UPDATE SET
			    offers_seen = offers_seen + excluded.offers_seen,
			    offers_accepted = offers_accepted + excluded.offers_accepted,
			    trips_completed = trips_completed + excluded.trips_completed,
			    earnings_cents = earnings_cents + excluded.earnings_cents,
			    online_ms = online_ms + excluded.online_ms,
			    per_km_sum_cents = per_km_sum_cents + excluded.per_km_sum_cents,
			    per_km_count = per_km_count + excluded.per_km_count`,
			d.Date, d.OffersSeen, d.OffersAccepted, d.TripsCompleted,
			d.EarningsCents, d.OnlineMs, d.PerKmSumCents, d.PerKmCount,
		); err != nil {
			return fmt.Errorf("upsert daily stats %s: %w", d.Date, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert daily stats: %w", err)
	}
	return nil
}

// GetDailyStats returns stats for dates in [from, to], oldest first. Empty
// bounds are open. PeakHour comes from the hourly table, -1 without data.
func (s *Store) GetDailyStats(ctx context.Context, from, to string) ([]storage.DailyStats, error) {
	if from == "" {
		from = "0000-01-01"
	}
	if to == "" {
		to = "9999-12-31"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.date, d.offers_seen, d.offers_accepted, d.trips_completed,
		       d.earnings_cents, d.online_ms,
		       CASE WHEN d.per_km_count > 0
		            THEN d.per_km_sum_cents / d.per_km_count ELSE 0 END,
		       COALESCE((SELECT h.hour FROM hourly_demand h
		                  WHERE h.date = d.date
		                  ORDER BY h.offers DESC, h.hour ASC LIMIT 1), -1)
		  FROM daily_stats d
		 WHERE d.date >= ? AND d.date <= ?
		 ORDER BY d.date ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("get daily stats: %w", err)
	}
	defer rows.Close()

	var stats []storage.DailyStats
	for rows.Next() {
		var d storage.DailyStats
		if err := rows.Scan(&d.Date, &d.OffersSeen, &d.OffersAccepted, &d.TripsCompleted,
			&d.EarningsCents, &d.OnlineMs, &d.AvgPerKmCents, &d.PeakHour); err != nil {
			return nil, fmt.Errorf("get daily stats: %w", err)
		}
		stats = append(stats, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get daily stats: %w", err)
	}
	return stats, nil
}

// BumpHourlyDemand merges the deltas into their (date, hour) rows.
func (s *Store) BumpHourlyDemand(ctx context.Context, deltas []storage.HourlyDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bump hourly demand: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range deltas {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO hourly_demand (
			    date, hour, offers, accepted, score_sum,
			    per_km_sum_cents, per_km_count
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(date, hour) DO UPDATE SET
			    offers = offers + excluded.offers,
			    accepted = accepted + excluded.accepted,
			    score_sum = score_sum + excluded.score_sum,
			    per_km_sum_cents = per_km_sum_cents + excluded.per_km_sum_cents,
			    per_km_count = per_km_count + excluded.per_km_count`,
			d.Date, d.Hour, d.Offers, d.Accepted, d.ScoreSum,
			d.PerKmSumCents, d.PerKmCount,
		); err != nil {
			return fmt.Errorf("bump hourly demand %s/%d: %w", d.Date, d.Hour, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bump hourly demand: %w", err)
	}
	return nil
}

// GetHourlyDemand returns the hourly rows for one date ordered by hour.
func (s *Store) GetHourlyDemand(ctx context.Context, date string) ([]storage.HourlyDemand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, hour, offers, accepted,
		       CASE WHEN offers > 0 THEN score_sum / offers ELSE 0 END,
		       CASE WHEN per_km_count > 0
		            THEN per_km_sum_cents / per_km_count ELSE 0 END
		  FROM hourly_demand
		 WHERE date = ?
		 ORDER BY hour ASC`, date)
	if err != nil {
		return nil, fmt.Errorf("get hourly demand: %w", err)
	}
	defer rows.Close()

	var hours []storage.HourlyDemand
	for rows.Next() {
		var h storage.HourlyDemand
		if err := rows.Scan(&h.Date, &h.Hour, &h.Offers, &h.Accepted,
			&h.AvgScore, &h.AvgPerKmCents); err != nil {
			return nil, fmt.Errorf("get hourly demand: %w", err)
		}
		hours = append(hours, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get hourly demand: %w", err)
	}
	return hours, nil
}

func scanSessions(rows *sql.Rows) ([]storage.SessionRecord, error) {
	var sessions []storage.SessionRecord
	for rows.Next() {
		var rec storage.SessionRecord
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&rec.ID, &started, &ended, &rec.OffersSeen, &rec.OffersAccepted,
			&rec.TripsCompleted, &rec.TripsCanceled, &rec.EarningsCents, &rec.Breaks); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.StartedAt = fromMillis(started)
		if ended.Valid {
			rec.EndedAt = fromMillis(ended.Int64)
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ storage.Store = (*Store)(nil)
