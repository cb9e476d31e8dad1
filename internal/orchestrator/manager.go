package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/farepilot/farepilot/internal/advisor"
	"github.com/farepilot/farepilot/internal/capture"
	"github.com/farepilot/farepilot/internal/config"
	"github.com/farepilot/farepilot/internal/demand"
	"github.com/farepilot/farepilot/internal/errors"
	"github.com/farepilot/farepilot/internal/export"
	"github.com/farepilot/farepilot/internal/offer"
	"github.com/farepilot/farepilot/internal/profile"
	"github.com/farepilot/farepilot/internal/resilience"
	"github.com/farepilot/farepilot/internal/score"
	"github.com/farepilot/farepilot/internal/score/rules"
	"github.com/farepilot/farepilot/internal/session"
	"github.com/farepilot/farepilot/internal/storage"
	"github.com/farepilot/farepilot/internal/syncx"
	"github.com/farepilot/farepilot/internal/trace"
)

// Manager owns the event pipeline. Capture events come in through
// HandleEvent, overlay updates go out through Events, and Run drives the
// periodic work: advice evaluation, aggregate flushes, archive pruning,
// and the stats exporter.
type Manager struct {
	cfg      *config.Config
	profiles *profile.Store
	store    storage.Store

	parser   *offer.Parser
	dedupe   *capture.Deduper
	window   *demand.Window
	hourly   *demand.Hourly
	tracker  *session.Tracker
	advisor  *advisor.Advisor
	batcher  *storage.Batcher
	exporter *export.Exporter

	engine   *syncx.RWGuard[*score.Engine]
	reloadMu sync.Mutex
	hookPath string

	events chan Event

	eventsHandled   atomic.Int64
	framesDeduped   atomic.Int64
	offersScored    atomic.Int64
	offersRepeated  atomic.Int64
	parseFailures   atomic.Int64
	eventsDropped   atomic.Int64
	invalidPayloads atomic.Int64

	now func() time.Time
}

// New wires the pipeline. The profile store does not need to be loaded
// yet; the manager registers for swaps and rebuilds the score engine
// whenever the rule script changes.
func New(cfg *config.Config, profiles *profile.Store, store storage.Store) *Manager {
	m := &Manager{
		cfg:      cfg,
		profiles: profiles,
		store:    store,
		parser:   offer.NewParser(),
		dedupe:   capture.NewDeduper(),
		window: demand.NewWindow(demand.Config{
			Window:          cfg.Window(),
			BaselinePerHour: cfg.BaselineOffersPerHour,
			FingerprintTTL:  cfg.FingerprintTTL,
		}),
		hourly:   demand.NewHourly(),
		tracker:  session.NewTracker(cfg.AcceptWindow),
		advisor:  advisor.New(cfg.AdviceCooldown),
		batcher:  storage.NewBatcher(store, cfg.FlushBatchSize, cfg.FlushInterval),
		engine:   syncx.NewGuard(score.NewEngine(nil)),
		events:   make(chan Event, EventBuffer),
		now:      time.Now,
	}
	m.exporter = export.New(export.Config{
		URL:      cfg.ExportURL,
		Token:    cfg.ExportToken,
		Interval: cfg.ExportInterval,
	}, store)

	profiles.OnSwap(m.reloadRules)
	m.reloadRules(profiles.Current())
	return m
}

// Events returns the overlay update channel.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// HandleEvent runs one capture event through the pipeline. The returned
// error only reports events the pipeline could not act on at all; a
// screen with no recognizable offer is not an error.
func (m *Manager) HandleEvent(ctx context.Context, e *capture.Event) error {
	m.eventsHandled.Add(1)
	if err := e.Validate(); err != nil {
		m.invalidPayloads.Add(1)
		return err
	}

	at := e.ClampedTime(m.now(), m.cfg.MaxClockSkew)
	switch e.Kind {
	case capture.KindScreen:
		m.handleScreen(ctx, e, at)
	case capture.KindTrip:
		m.handleTrip(ctx, e, at)
	case capture.KindLifecycle:
		m.handleLifecycle(ctx, e)
	}
	return nil
}

func (m *Manager) handleScreen(ctx context.Context, e *capture.Event, at time.Time) {
	ctx, span := trace.StartSpan(ctx, "handle_screen")
	defer span.End()
	span.SetAttr("app", e.AppID)
	log := trace.Logger(ctx)

	if m.dedupe.IsDuplicate(e) {
		m.framesDeduped.Add(1)
		log.Debug("duplicate frame dropped", "app", e.AppID)
		return
	}

	o, err := m.parser.Parse(e.AppID, e.Text, at)
	if err != nil {
		if errors.IsCode(err, errors.CodeOfferNotRecognized) {
			log.Debug("no offer on screen", "app", e.AppID)
			return
		}
		m.parseFailures.Add(1)
		span.RecordError(err)
		log.Warn("offer parse failed", "app", e.AppID, "error", err)
		return
	}
	span.SetAttr("platform", o.Platform)

	p := m.profiles.Current()
	card := m.engine.Get().Score(o, p)

	if !m.window.Record(o, card) {
		// Same card re-observed while it sits on screen. Already
		// counted, already broadcast.
		m.offersRepeated.Add(1)
		log.Debug("offer already observed", "fingerprint", o.Fingerprint)
		return
	}
	m.offersScored.Add(1)

	m.tracker.ObserveOffer(o, card)
	m.hourly.RecordOffer(at, card)

	rec := storage.OfferRecord{
		ID:         o.ID,
		Platform:   o.Platform,
		Category:   o.Category,
		FareCents:  o.FareCents,
		TripKm:     o.TripKm,
		PickupKm:   o.PickupKm,
		Score:      card.Score,
		Verdict:    string(card.Verdict),
		PerKmCents: card.PerKmCents,
		ObservedAt: o.ObservedAt,
	}
	if sess := m.tracker.Snapshot(at); sess.Active {
		rec.SessionID = sess.ID
	}
	m.batcher.Add(rec)

	log.Info("offer scored",
		"platform", o.Platform,
		"category", o.Category,
		"fare_cents", o.FareCents,
		"score", card.Score,
		"verdict", card.Verdict)

	m.emit(Event{Type: EventOffer, Offer: &OfferUpdate{Offer: o, Card: card}})
	snap := m.window.Snapshot(at, p)
	m.emit(Event{Type: EventDemand, Demand: &snap})
}

func (m *Manager) handleTrip(ctx context.Context, e *capture.Event, at time.Time) {
	ctx, span := trace.StartSpan(ctx, "handle_trip")
	defer span.End()
	span.SetAttr("phase", string(e.Phase))
	log := trace.Logger(ctx)

	var (
		snap session.Snapshot
		ok   bool
	)
	switch e.Phase {
	case capture.TripAccepted:
		if snap, ok = m.tracker.TripAccepted(at); ok {
			m.hourly.RecordAccepted(at)
		}
	case capture.TripStarted:
		// Phase transition only; counters move on accept and completion.
		return
	case capture.TripCompleted:
		snap, ok = m.tracker.TripCompleted(e.FareCents, at)
	case capture.TripCanceled:
		snap, ok = m.tracker.TripCanceled(at)
	}
	if !ok {
		log.Debug("trip event outside an active session", "phase", e.Phase)
		return
	}

	log.Info("trip update",
		"phase", e.Phase,
		"trips_completed", snap.TripsCompleted,
		"earnings_cents", snap.EarningsCents)
	m.emit(Event{Type: EventSession, Session: &snap})
	m.evaluateAdvice(at)
}

func (m *Manager) handleLifecycle(ctx context.Context, e *capture.Event) {
	log := trace.Logger(ctx)
	switch e.State {
	case capture.AgentHello:
		log.Info("capture agent connected", "app", e.AppID)
		m.dedupe.Clear()
	case capture.AgentBye:
		log.Info("capture agent disconnected", "app", e.AppID)
	case capture.AgentForeground:
		log.Debug("foreground app changed", "app", e.AppID)
		m.dedupe.Reset(e.AppID)
	}
}

// StartSession begins a driving session. Idempotent while one is active.
func (m *Manager) StartSession() session.Snapshot {
	snap := m.tracker.Start(m.now())
	m.advisor.Reset()
	m.emit(Event{Type: EventSession, Session: &snap})
	return snap
}

// StopSession ends the active session, persists its record, and flushes
// the pending aggregates. The second value is false when no session was
// active.
func (m *Manager) StopSession(ctx context.Context) (session.Record, bool) {
	now := m.now()
	rec, ok := m.tracker.Stop(now)
	if !ok {
		return session.Record{}, false
	}
	m.persistSession(ctx, rec)
	m.flushAggregates(ctx, now)
	m.advisor.Reset()

	idle := m.tracker.Snapshot(now)
	m.emit(Event{Type: EventSession, Session: &idle})
	return rec, true
}

// BreakSession marks a rest break on the active session.
func (m *Manager) BreakSession() (session.Snapshot, bool) {
	snap, ok := m.tracker.Break(m.now())
	if ok {
		m.emit(Event{Type: EventSession, Session: &snap})
	}
	return snap, ok
}

// SessionSnapshot returns the current session state.
func (m *Manager) SessionSnapshot() session.Snapshot {
	return m.tracker.Snapshot(m.now())
}

// DemandSnapshot returns the current demand picture.
func (m *Manager) DemandSnapshot() demand.Snapshot {
	return m.window.Snapshot(m.now(), m.profiles.Current())
}

// Stats returns the pipeline counters.
func (m *Manager) Stats() Stats {
	return Stats{
		EventsHandled:   m.eventsHandled.Load(),
		FramesDeduped:   m.framesDeduped.Load(),
		OffersScored:    m.offersScored.Load(),
		OffersRepeated:  m.offersRepeated.Load(),
		ParseFailures:   m.parseFailures.Load(),
		EventsDropped:   m.eventsDropped.Load(),
		InvalidPayloads: m.invalidPayloads.Load(),
	}
}

// Run drives the periodic loops until ctx is done, then closes out: stops
// the batcher, ends any active session, and flushes what remains.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.adviceLoop(ctx) })
	g.Go(func() error { return m.flushLoop(ctx) })
	g.Go(func() error { return m.pruneLoop(ctx) })
	g.Go(func() error { m.exporter.Run(ctx); return nil })
	err := g.Wait()

	m.shutdown()
	return err
}

// FlushNow forces the offer batcher and the aggregate accumulators to the
// store. Replay uses it after the last event; tests use it for
// determinism.
func (m *Manager) FlushNow(ctx context.Context) {
	m.batcher.Flush()
	m.flushAggregates(ctx, m.now())
}

// Close releases the pipeline without running the periodic loops, for
// callers that never invoke Run.
func (m *Manager) Close() {
	m.batcher.Stop()
}

func (m *Manager) adviceLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.AdviceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := m.now()
			snap := m.window.Snapshot(now, m.profiles.Current())
			m.emit(Event{Type: EventDemand, Demand: &snap})
			m.evaluateAdvice(now)
		}
	}
}

func (m *Manager) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.flushAggregates(ctx, m.now())
		}
	}
}

func (m *Manager) pruneLoop(ctx context.Context) error {
	m.pruneOffers(ctx)
	ticker := time.NewTicker(PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.pruneOffers(ctx)
		}
	}
}

func (m *Manager) evaluateAdvice(now time.Time) {
	p := m.profiles.Current()
	in := advisor.Inputs{
		Session:         m.tracker.Snapshot(now),
		Demand:          m.window.Snapshot(now, p),
		BaselinePerHour: m.cfg.BaselineOffersPerHour,
	}
	if adv, changed := m.advisor.Evaluate(in, p, now); changed {
		m.emit(Event{Type: EventAdvice, Advice: &adv})
	}
}

func (m *Manager) flushAggregates(ctx context.Context, now time.Time) {
	ctx, span := trace.StartSpan(ctx, "aggregate_flush")
	defer span.End()
	log := trace.Logger(ctx)

	if tallies := m.tracker.DrainDaily(now); len(tallies) > 0 {
		deltas := make([]storage.DailyDelta, 0, len(tallies))
		for _, d := range tallies {
			deltas = append(deltas, storage.DailyDelta{
				Date:           d.Date,
				OffersSeen:     d.OffersSeen,
				OffersAccepted: d.OffersAccepted,
				TripsCompleted: d.TripsCompleted,
				EarningsCents:  d.EarningsCents,
				OnlineMs:       d.OnlineMs,
				PerKmSumCents:  d.PerKmSumCents,
				PerKmCount:     d.PerKmCount,
			})
		}
		err := resilience.Retry(ctx, resilience.StorageRetryConfig(), func() error {
			return m.store.UpsertDailyStats(ctx, deltas)
		})
		if err != nil {
			span.RecordError(err)
			log.Warn("daily stats flush failed", "error", err, "dates", len(deltas))
		}
	}

	if rollups := m.hourly.Drain(); len(rollups) > 0 {
		deltas := make([]storage.HourlyDelta, 0, len(rollups))
		for _, r := range rollups {
			deltas = append(deltas, storage.HourlyDelta{
				Date:          r.Date,
				Hour:          r.Hour,
				Offers:        r.Offers,
				Accepted:      r.Accepted,
				ScoreSum:      r.ScoreSum,
				PerKmSumCents: r.PerKmSumCents,
				PerKmCount:    r.PerKmCount,
			})
		}
		err := resilience.Retry(ctx, resilience.StorageRetryConfig(), func() error {
			return m.store.BumpHourlyDemand(ctx, deltas)
		})
		if err != nil {
			span.RecordError(err)
			log.Warn("hourly demand flush failed", "error", err, "buckets", len(deltas))
		}
	}
}

func (m *Manager) pruneOffers(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "offer_prune")
	defer span.End()

	cutoff := m.now().AddDate(0, 0, -m.cfg.OfferRetentionDays)
	n, err := m.store.PruneOffers(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		trace.Logger(ctx).Warn("offer prune failed", "error", err)
		return
	}
	if n > 0 {
		trace.Logger(ctx).Info("old offers pruned", "count", n, "cutoff", cutoff)
	}
}

func (m *Manager) persistSession(ctx context.Context, rec session.Record) {
	srec := storage.SessionRecord{
		ID:             rec.ID,
		StartedAt:      rec.StartedAt,
		EndedAt:        rec.EndedAt,
		OffersSeen:     rec.OffersSeen,
		OffersAccepted: rec.OffersAccepted,
		TripsCompleted: rec.TripsCompleted,
		TripsCanceled:  rec.TripsCanceled,
		EarningsCents:  rec.EarningsCents,
		Breaks:         rec.Breaks,
	}
	err := resilience.Retry(ctx, resilience.StorageRetryConfig(), func() error {
		return m.store.PutSession(ctx, srec)
	})
	if err != nil {
		trace.Logger(ctx).Error("session persist failed", "error", err, "session", rec.ID)
	}
}

// shutdown closes out the pipeline. An active session ends here: the
// daemon going away ends the driver's tracked shift.
func (m *Manager) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	now := m.now()
	if rec, ok := m.tracker.Stop(now); ok {
		m.persistSession(ctx, rec)
	}
	m.flushAggregates(ctx, now)
	m.batcher.Stop()
	slog.Info("pipeline stopped")
}

// reloadRules rebuilds the score engine when the profile's rule script
// changes. A script that fails to load keeps scoring alive without a
// hook rather than blocking offers.
func (m *Manager) reloadRules(p *profile.Profile) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	if p.RuleScript == m.hookPath && p.RuleScript != "" {
		return
	}
	if p.RuleScript == "" {
		if m.hookPath != "" {
			slog.Info("rule script removed, scoring without hook")
		}
		m.hookPath = ""
		m.engine.Set(score.NewEngine(nil))
		return
	}

	hook, err := rules.Load(p.RuleScript)
	if err != nil {
		slog.Warn("rule script load failed, scoring without hook",
			"path", p.RuleScript, "error", err)
		m.hookPath = ""
		m.engine.Set(score.NewEngine(nil))
		return
	}
	m.hookPath = p.RuleScript
	m.engine.Set(score.NewEngine(hook))
	slog.Info("rule script loaded", "path", p.RuleScript)
}

// emit pushes an event to the overlay hub without ever blocking the
// pipeline. A full channel drops the event and bumps the counter.
func (m *Manager) emit(evt Event) {
	select {
	case m.events <- evt:
	default:
		m.eventsDropped.Add(1)
	}
}
