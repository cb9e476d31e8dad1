package demand

import (
	"sort"
	"sync"
	"time"

	"github.com/farepilot/farepilot/internal/offer"
	"github.com/farepilot/farepilot/internal/profile"
	"github.com/farepilot/farepilot/internal/score"
)

// Config tunes the rolling window.
type Config struct {
	Window          time.Duration
	MaxEntries      int
	BaselinePerHour float64
	FingerprintTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.BaselinePerHour <= 0 {
		c.BaselinePerHour = DefaultBaselinePerHour
	}
	if c.FingerprintTTL <= 0 {
		c.FingerprintTTL = DefaultFingerprintTTL
	}
	return c
}

type entry struct {
	fingerprint string
	observedAt  time.Time
	perKmCents  int64
	pickupKm    float64
	category    string
	score       float64
}

// Window implements the in-memory rolling store of scored offers.
type Window struct {
	mu       sync.Mutex
	cfg      Config
	entries  []entry
	lastSeen map[string]time.Time
}

// NewWindow creates a rolling window with the given config, filling zero
// fields with defaults.
func NewWindow(cfg Config) *Window {
	return &Window{
		cfg:      cfg.withDefaults(),
		lastSeen: make(map[string]time.Time),
	}
}

// Record adds a scored offer to the window. It returns false when the
// fingerprint was already recorded within FingerprintTTL: that is the same
// card re-observed, not a new offer, and callers must not re-count it. A
// card that stays on screen keeps refreshing its suppression window.
func (w *Window) Record(o offer.Offer, sc score.Scorecard) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := o.ObservedAt
	if last, ok := w.lastSeen[o.Fingerprint]; ok && now.Sub(last) < w.cfg.FingerprintTTL {
		w.lastSeen[o.Fingerprint] = now
		return false
	}
	w.lastSeen[o.Fingerprint] = now

	w.entries = append(w.entries, entry{
		fingerprint: o.Fingerprint,
		observedAt:  now,
		perKmCents:  o.PerKmCents(),
		pickupKm:    o.PickupKm,
		category:    o.Category,
		score:       sc.Score,
	})
	w.pruneLocked(now)
	return true
}

// Snapshot prunes the window and computes the demand picture at now. The
// profile supplies category weights, peak hours, and the pickup ceiling.
func (w *Window) Snapshot(now time.Time, p *profile.Profile) Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)

	n := len(w.entries)
	snap := Snapshot{
		Level:         LevelLow,
		Trend:         TrendStable,
		SampleSize:    n,
		WindowStart:   now.Add(-w.cfg.Window),
		LowConfidence: n < MinSamples,
	}
	if n == 0 {
		return snap
	}

	snap.WindowStart = w.entries[0].observedAt
	elapsed := now.Sub(snap.WindowStart)
	if elapsed < time.Minute {
		elapsed = time.Minute
	}
	if elapsed > w.cfg.Window {
		elapsed = w.cfg.Window
	}
	snap.OffersPerMin = float64(n) / elapsed.Minutes()
	snap.MedianPerKmCents = medianPerKm(w.entries)

	ratio := snap.OffersPerMin / (w.cfg.BaselinePerHour / 60)
	if ratio > RateCapMultiple {
		ratio = RateCapMultiple
	}
	popularity := ratio / RateCapMultiple * PopularityMaxPoints

	var weightSum float64
	reachable := 0
	for _, e := range w.entries {
		weightSum += p.WeightFor(e.category)
		if e.pickupKm <= p.MaxPickupKm {
			reachable++
		}
	}
	category := weightSum / float64(n) * CategoryPointsPerWeight
	if category > CategoryMaxPoints {
		category = CategoryMaxPoints
	}
	var peak float64
	if p.InPeak(now) {
		peak = PeakPoints
	}
	reach := float64(reachable) / float64(n) * ReachableMaxPoints

	total := popularity + category + peak + reach
	if snap.LowConfidence {
		// Too few offers to trust: scale the score down and keep the
		// conservative level/trend.
		snap.Score = clampScore(total * float64(n) / MinSamples)
		return snap
	}
	snap.Score = clampScore(total)
	snap.Level = levelFor(snap.Score)
	snap.Trend = w.trendLocked(now)
	return snap
}

// Size returns the current number of window entries.
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.observedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	w.entries = kept
	if len(w.entries) > w.cfg.MaxEntries {
		w.entries = w.entries[len(w.entries)-w.cfg.MaxEntries:]
	}
	for fp, seen := range w.lastSeen {
		if now.Sub(seen) >= w.cfg.FingerprintTTL {
			delete(w.lastSeen, fp)
		}
	}
}

// trendLocked splits the window at its midpoint and compares halves on offer
// rate and median per-km. The halves cover equal time, so raw counts compare
// directly.
func (w *Window) trendLocked(now time.Time) Trend {
	cut := now.Add(-w.cfg.Window / 2)
	var older, recent []entry
	for _, e := range w.entries {
		if e.observedAt.Before(cut) {
			older = append(older, e)
		} else {
			recent = append(recent, e)
		}
	}
	if len(older) == 0 {
		return TrendStable
	}

	changes := []float64{
		(float64(len(recent)) - float64(len(older))) / float64(len(older)),
	}
	if mo, mr := medianPerKm(older), medianPerKm(recent); mo > 0 && mr > 0 {
		changes = append(changes, float64(mr-mo)/float64(mo))
	}
	var sum float64
	for _, c := range changes {
		sum += c
	}
	switch avg := sum / float64(len(changes)); {
	case avg > TrendHysteresis:
		return TrendRising
	case avg < -TrendHysteresis:
		return TrendFalling
	default:
		return TrendStable
	}
}

// medianPerKm ignores entries without a known trip distance.
func medianPerKm(entries []entry) int64 {
	rates := make([]int64, 0, len(entries))
	for _, e := range entries {
		if e.perKmCents > 0 {
			rates = append(rates, e.perKmCents)
		}
	}
	if len(rates) == 0 {
		return 0
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i] < rates[j] })
	mid := len(rates) / 2
	if len(rates)%2 == 0 {
		return (rates[mid-1] + rates[mid]) / 2
	}
	return rates[mid]
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
