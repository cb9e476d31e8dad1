// Package storage defines the persisted aggregate records and the store
// contract. The sqlite subpackage implements it; everything above the
// orchestrator talks to the interface.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// OfferRecord is one archived scored offer.
type OfferRecord struct {
	ID         string
	Platform   string
	Category   string
	FareCents  int64
	TripKm     float64
	PickupKm   float64
	Score      float64
	Verdict    string
	PerKmCents int64
	ObservedAt time.Time
	SessionID  string
}

// SessionRecord is one finished (or, during replay, in-flight) session.
type SessionRecord struct {
	ID             string
	StartedAt      time.Time
	EndedAt        time.Time
	OffersSeen     int
	OffersAccepted int
	TripsCompleted int
	TripsCanceled  int
	EarningsCents  int64
	Breaks         int
}

// DailyDelta is one flush interval's worth of counters for a date. Fields
// are sums, merged into the stored row by addition.
type DailyDelta struct {
	Date           string
	OffersSeen     int
	OffersAccepted int
	TripsCompleted int
	EarningsCents  int64
	OnlineMs       int64
	PerKmSumCents  int64
	PerKmCount     int
}

// HourlyDelta is one flush interval's worth of counters for a (date, hour).
type HourlyDelta struct {
	Date          string
	Hour          int
	Offers        int
	Accepted      int
	ScoreSum      float64
	PerKmSumCents int64
	PerKmCount    int
}

// DailyStats is the read model for one date. PeakHour is -1 until hourly
// data exists for the date.
type DailyStats struct {
	Date           string `json:"date"`
	OffersSeen     int    `json:"offers_seen"`
	OffersAccepted int    `json:"offers_accepted"`
	TripsCompleted int    `json:"trips_completed"`
	EarningsCents  int64  `json:"earnings_cents"`
	OnlineMs       int64  `json:"online_ms"`
	AvgPerKmCents  int64  `json:"avg_per_km_cents"`
	PeakHour       int    `json:"peak_hour"`
}

// HourlyDemand is the read model for one (date, hour).
type HourlyDemand struct {
	Date          string  `json:"date"`
	Hour          int     `json:"hour"`
	Offers        int     `json:"offers"`
	Accepted      int     `json:"accepted"`
	AvgScore      float64 `json:"avg_score"`
	AvgPerKmCents int64   `json:"avg_per_km_cents"`
}

// Store is the persistence contract.
type Store interface {
	OfferWriter

	PutSession(ctx context.Context, rec SessionRecord) error
	GetSessions(ctx context.Context, from, to time.Time) ([]SessionRecord, error)
	GetUnexportedSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	MarkSessionsExported(ctx context.Context, ids []string) error

	UpsertDailyStats(ctx context.Context, deltas []DailyDelta) error
	GetDailyStats(ctx context.Context, from, to string) ([]DailyStats, error)

	BumpHourlyDemand(ctx context.Context, deltas []HourlyDelta) error
	GetHourlyDemand(ctx context.Context, date string) ([]HourlyDemand, error)

	PruneOffers(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// OfferWriter is the narrow surface the write batcher needs.
type OfferWriter interface {
	PutOffers(ctx context.Context, offers []OfferRecord) error
}
