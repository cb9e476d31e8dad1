package demand

import (
	"sort"
	"sync"
	"time"

	"github.com/farepilot/farepilot/internal/score"
)

const dateLayout = "2006-01-02"

// Rollup is one hour's accumulated counters, ready for the store. Sums
// rather than averages, so consecutive flushes merge by addition.
type Rollup struct {
	Date          string
	Hour          int
	Offers        int
	Accepted      int
	ScoreSum      float64
	PerKmSumCents int64
	PerKmCount    int
}

type bucketKey struct {
	date string
	hour int
}

type bucket struct {
	offers     int
	accepted   int
	sumScore   float64
	sumPerKm   int64
	perKmCount int
}

// Hourly accumulates per-hour offer counters between store flushes. Buckets
// key on the local calendar date and hour of each event, so a session that
// crosses midnight splits cleanly.
type Hourly struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// NewHourly creates an empty accumulator.
func NewHourly() *Hourly {
	return &Hourly{buckets: make(map[bucketKey]*bucket)}
}

// RecordOffer counts a scored offer into its hour.
func (h *Hourly) RecordOffer(at time.Time, sc score.Scorecard) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.bucketLocked(at)
	b.offers++
	b.sumScore += sc.Score
	if sc.PerKmCents > 0 {
		b.sumPerKm += sc.PerKmCents
		b.perKmCount++
	}
}

// RecordAccepted counts an accepted trip into its hour.
func (h *Hourly) RecordAccepted(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bucketLocked(at).accepted++
}

// Drain returns the accumulated rollups ordered by date and hour and resets
// the accumulator.
func (h *Hourly) Drain() []Rollup {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.buckets) == 0 {
		return nil
	}
	rollups := make([]Rollup, 0, len(h.buckets))
	for key, b := range h.buckets {
		rollups = append(rollups, Rollup{
			Date:          key.date,
			Hour:          key.hour,
			Offers:        b.offers,
			Accepted:      b.accepted,
			ScoreSum:      b.sumScore,
			PerKmSumCents: b.sumPerKm,
			PerKmCount:    b.perKmCount,
		})
	}
	h.buckets = make(map[bucketKey]*bucket)

	sort.Slice(rollups, func(i, j int) bool {
		if rollups[i].Date != rollups[j].Date {
			return rollups[i].Date < rollups[j].Date
		}
		return rollups[i].Hour < rollups[j].Hour
	})
	return rollups
}

func (h *Hourly) bucketLocked(at time.Time) *bucket {
	key := bucketKey{date: at.Format(dateLayout), hour: at.Hour()}
	b, ok := h.buckets[key]
	if !ok {
		b = &bucket{}
		h.buckets[key] = b
	}
	return b
}
