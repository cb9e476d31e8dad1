// Package session tracks the one active driving session: lifecycle, trip
// outcomes, the earnings ledger, and per-date tallies for the persisted
// aggregates. A trip accepted event links back to the most recent scored
// offer when it arrived within the accept window, which supplies the fare
// for completions that do not report one.
package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/farepilot/farepilot/internal/offer"
	"github.com/farepilot/farepilot/internal/score"
)

// Snapshot is the session state plus derived metrics, as served to the
// overlay. Times are epoch milliseconds on the wire.
type Snapshot struct {
	Active               bool    `json:"active"`
	ID                   string  `json:"id,omitempty"`
	StartedAtMS          int64   `json:"started_at_ms,omitempty"`
	ElapsedMS            int64   `json:"elapsed_ms"`
	OffersSeen           int     `json:"offers_seen"`
	OffersAccepted       int     `json:"offers_accepted"`
	OffersRejected       int     `json:"offers_rejected"`
	TripsCompleted       int     `json:"trips_completed"`
	TripsCanceled        int     `json:"trips_canceled"`
	EarningsCents        int64   `json:"earnings_cents"`
	Breaks               int     `json:"breaks"`
	SinceBreakMS         int64   `json:"since_break_ms"`
	EarningsPerHourCents int64   `json:"earnings_per_hour_cents"`
	AcceptanceRate       float64 `json:"acceptance_rate"`
	OffersPerHour        float64 `json:"offers_per_hour"`
}

// Record is the flushed form of a finished session.
type Record struct {
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

// DayTally accumulates one calendar date's activity between store flushes.
// Sums rather than averages, so flushes merge by addition.
type DayTally struct {
	Date           string
	OffersSeen     int
	OffersAccepted int
	TripsCompleted int
	EarningsCents  int64
	OnlineMs       int64
	PerKmSumCents  int64
	PerKmCount     int
}

type offerRef struct {
	fingerprint string
	fareCents   int64
	at          time.Time
}

type state struct {
	id             string
	startedAt      time.Time
	offersSeen     int
	offersAccepted int
	tripsCompleted int
	tripsCanceled  int
	earningsCents  int64
	breaks         int
	lastBreakAt    time.Time
	lastOffer      *offerRef
	linkedFare     int64
	linkedValid    bool
}

// Tracker holds the active session and the per-date tallies.
type Tracker struct {
	mu           sync.Mutex
	acceptWindow time.Duration
	active       *state
	daily        map[string]*DayTally
	lastDrainAt  time.Time
}

// NewTracker creates an idle tracker.
func NewTracker(acceptWindow time.Duration) *Tracker {
	if acceptWindow <= 0 {
		acceptWindow = DefaultAcceptWindow
	}
	return &Tracker{
		acceptWindow: acceptWindow,
		daily:        make(map[string]*DayTally),
	}
}

// Start begins a session. Starting while one is active is idempotent and
// returns the current snapshot.
func (t *Tracker) Start(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil {
		return t.snapshotLocked(now)
	}
	t.active = &state{
		id:          uuid.NewString(),
		startedAt:   now,
		lastBreakAt: now,
	}
	t.lastDrainAt = now
	slog.Info("session started", "session", t.active.id)
	return t.snapshotLocked(now)
}

// Stop ends the active session and returns its record. The second value is
// false when no session was active.
func (t *Tracker) Stop(now time.Time) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return Record{}, false
	}
	t.accrueOnlineLocked(now)
	s := t.active
	t.active = nil

	rec := Record{
		ID:             s.id,
		StartedAt:      s.startedAt,
		EndedAt:        now,
		OffersSeen:     s.offersSeen,
		OffersAccepted: s.offersAccepted,
		TripsCompleted: s.tripsCompleted,
		TripsCanceled:  s.tripsCanceled,
		EarningsCents:  s.earningsCents,
		Breaks:         s.breaks,
	}
	slog.Info("session stopped",
		"session", rec.ID,
		"offers_seen", rec.OffersSeen,
		"trips_completed", rec.TripsCompleted,
		"earnings_cents", rec.EarningsCents)
	return rec, true
}

// Break marks a rest break on the active session.
func (t *Tracker) Break(now time.Time) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return Snapshot{}, false
	}
	t.active.breaks++
	t.active.lastBreakAt = now
	return t.snapshotLocked(now), true
}

// ObserveOffer counts a scored offer against the active session and
// remembers it as the accept-link candidate. No-op when idle.
func (t *Tracker) ObserveOffer(o offer.Offer, sc score.Scorecard) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return
	}
	t.active.offersSeen++
	t.active.lastOffer = &offerRef{
		fingerprint: o.Fingerprint,
		fareCents:   o.FareCents,
		at:          o.ObservedAt,
	}
	d := t.dayLocked(o.ObservedAt)
	d.OffersSeen++
	if sc.PerKmCents > 0 {
		d.PerKmSumCents += sc.PerKmCents
		d.PerKmCount++
	}
}

// TripAccepted counts an accepted trip. When the last observed offer is
// still within the accept window its fare becomes the completion fallback.
func (t *Tracker) TripAccepted(now time.Time) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return Snapshot{}, false
	}
	s := t.active
	s.offersAccepted++
	if s.lastOffer != nil && now.Sub(s.lastOffer.at) <= t.acceptWindow {
		s.linkedFare = s.lastOffer.fareCents
		s.linkedValid = true
		s.lastOffer = nil
	} else {
		s.linkedValid = false
	}
	t.dayLocked(now).OffersAccepted++
	return t.snapshotLocked(now), true
}

// TripCompleted adds the trip's fare to the ledger. A non-positive fare
// falls back to the linked offer's fare when one is fresh.
func (t *Tracker) TripCompleted(fareCents int64, now time.Time) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return Snapshot{}, false
	}
	s := t.active
	s.tripsCompleted++
	earned := fareCents
	if earned <= 0 && s.linkedValid {
		earned = s.linkedFare
	}
	if earned > 0 {
		s.earningsCents += earned
	}
	s.linkedValid = false

	d := t.dayLocked(now)
	d.TripsCompleted++
	if earned > 0 {
		d.EarningsCents += earned
	}
	return t.snapshotLocked(now), true
}

// TripCanceled counts a cancellation and drops any pending fare link.
func (t *Tracker) TripCanceled(now time.Time) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return Snapshot{}, false
	}
	t.active.tripsCanceled++
	t.active.linkedValid = false
	return t.snapshotLocked(now), true
}

// Snapshot returns the current session state, zero when idle.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(now)
}

// DrainDaily accrues online time up to now and returns the per-date tallies
// ordered by date, resetting the accumulator.
func (t *Tracker) DrainDaily(now time.Time) []DayTally {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.accrueOnlineLocked(now)
	if len(t.daily) == 0 {
		return nil
	}
	out := make([]DayTally, 0, len(t.daily))
	for _, d := range t.daily {
		out = append(out, *d)
	}
	t.daily = make(map[string]*DayTally)
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func (t *Tracker) snapshotLocked(now time.Time) Snapshot {
	if t.active == nil {
		return Snapshot{}
	}
	s := t.active
	elapsed := now.Sub(s.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	hours := elapsed.Hours()
	if hours < minRateHours {
		hours = minRateHours
	}

	rejected := s.offersSeen - s.offersAccepted
	if s.lastOffer != nil && now.Sub(s.lastOffer.at) <= t.acceptWindow {
		// The newest offer is still inside the accept window, its fate
		// is undecided.
		rejected--
	}
	if rejected < 0 {
		rejected = 0
	}

	snap := Snapshot{
		Active:         true,
		ID:             s.id,
		StartedAtMS:    s.startedAt.UnixMilli(),
		ElapsedMS:      elapsed.Milliseconds(),
		OffersSeen:     s.offersSeen,
		OffersAccepted: s.offersAccepted,
		OffersRejected: rejected,
		TripsCompleted: s.tripsCompleted,
		TripsCanceled:  s.tripsCanceled,
		EarningsCents:  s.earningsCents,
		Breaks:         s.breaks,
		SinceBreakMS:   now.Sub(s.lastBreakAt).Milliseconds(),
	}
	snap.EarningsPerHourCents = int64(float64(s.earningsCents) / hours)
	if s.offersSeen > 0 {
		snap.AcceptanceRate = float64(s.offersAccepted) / float64(s.offersSeen)
	}
	snap.OffersPerHour = float64(s.offersSeen) / hours
	return snap
}

// accrueOnlineLocked adds the time since the last accrual to the per-date
// tallies, splitting spans that cross local midnight.
func (t *Tracker) accrueOnlineLocked(now time.Time) {
	if t.active == nil || !now.After(t.lastDrainAt) {
		return
	}
	cur := t.lastDrainAt
	for {
		end := now
		if midnight := startOfNextDay(cur); midnight.Before(now) {
			end = midnight
		}
		t.dayLocked(cur).OnlineMs += end.Sub(cur).Milliseconds()
		if !end.Before(now) {
			break
		}
		cur = end
	}
	t.lastDrainAt = now
}

func (t *Tracker) dayLocked(at time.Time) *DayTally {
	key := at.Format(dateLayout)
	d, ok := t.daily[key]
	if !ok {
		d = &DayTally{Date: key}
		t.daily[key] = d
	}
	return d
}

func startOfNextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
