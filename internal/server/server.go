package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/farepilot/farepilot/internal/advisor"
	"github.com/farepilot/farepilot/internal/auth"
	"github.com/farepilot/farepilot/internal/capture"
	"github.com/farepilot/farepilot/internal/config"
	"github.com/farepilot/farepilot/internal/demand"
	"github.com/farepilot/farepilot/internal/errors"
	"github.com/farepilot/farepilot/internal/i18n"
	"github.com/farepilot/farepilot/internal/offer"
	"github.com/farepilot/farepilot/internal/orchestrator"
	"github.com/farepilot/farepilot/internal/profile"
	"github.com/farepilot/farepilot/internal/score"
	"github.com/farepilot/farepilot/internal/session"
	"github.com/farepilot/farepilot/internal/storage"
	"github.com/farepilot/farepilot/internal/trace"
)

// Overlay push messages. Labels are pre-localized to the profile locale
// so the overlay renders strings without its own catalog.
type OfferMessage struct {
	Type         string          `json:"type"`
	Offer        offer.Offer     `json:"offer"`
	Card         score.Scorecard `json:"card"`
	VerdictLabel string          `json:"verdict_label"`
	ReasonLabels []string        `json:"reason_labels,omitempty"`
	FareDisplay  string          `json:"fare_display"`
	PerKmDisplay string          `json:"per_km_display,omitempty"`
}

type DemandMessage struct {
	Type       string          `json:"type"`
	Demand     demand.Snapshot `json:"demand"`
	LevelLabel string          `json:"level_label"`
	TrendLabel string          `json:"trend_label"`
}

type AdviceMessage struct {
	Type        string         `json:"type"`
	Advice      advisor.Advice `json:"advice"`
	ActionLabel string         `json:"action_label"`
	ReasonLabel string         `json:"reason_label"`
}

type SessionMessage struct {
	Type    string           `json:"type"`
	Session session.Snapshot `json:"session"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sessionRecordJSON is the REST form of a finished session.
type sessionRecordJSON struct {
	ID             string `json:"id"`
	StartedAtMS    int64  `json:"started_at_ms"`
	EndedAtMS      int64  `json:"ended_at_ms"`
	OffersSeen     int    `json:"offers_seen"`
	OffersAccepted int    `json:"offers_accepted"`
	TripsCompleted int    `json:"trips_completed"`
	TripsCanceled  int    `json:"trips_canceled"`
	EarningsCents  int64  `json:"earnings_cents"`
	Breaks         int    `json:"breaks"`
}

// rateLimiter tracks event timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if an event is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-FeedRateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= FeedRateLimitEvents {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles the capture feed, the overlay stream, and the REST API.
type Server struct {
	cfg      *config.Config
	mgr      *orchestrator.Manager
	store    storage.Store
	profiles *profile.Store
	auth     *auth.Authenticator
	loc      *i18n.Localizer

	mu       sync.RWMutex
	overlays map[*websocket.Conn]struct{}

	feedRejected atomic.Int64
	startedAt    time.Time
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New creates a server and starts the overlay broadcaster. Call Close to
// stop it.
func New(cfg *config.Config, mgr *orchestrator.Manager, st storage.Store, profiles *profile.Store, authn *auth.Authenticator, loc *i18n.Localizer) *Server {
	s := &Server{
		cfg:       cfg,
		mgr:       mgr,
		store:     st,
		profiles:  profiles,
		auth:      authn,
		loc:       loc,
		overlays:  make(map[*websocket.Conn]struct{}),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}

	go s.broadcastEvents()

	return s
}

// Close stops the overlay broadcaster.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	feed := s.auth.Middleware(auth.RoleAgent)
	overlay := s.auth.Middleware(auth.RoleOverlay)
	api := s.auth.Middleware(auth.RoleAgent, auth.RoleOverlay)

	// WebSocket endpoints
	mux.Handle("/ws/feed", feed(http.HandlerFunc(s.handleFeed)))
	mux.Handle("/ws/overlay", overlay(http.HandlerFunc(s.handleOverlay)))

	// REST API
	mux.Handle("GET /api/session", api(http.HandlerFunc(s.handleSessionGet)))
	mux.Handle("POST /api/session/start", api(http.HandlerFunc(s.handleSessionStart)))
	mux.Handle("POST /api/session/stop", api(http.HandlerFunc(s.handleSessionStop)))
	mux.Handle("POST /api/session/break", api(http.HandlerFunc(s.handleSessionBreak)))
	mux.Handle("GET /api/demand", api(http.HandlerFunc(s.handleDemand)))
	mux.Handle("GET /api/stats/daily", api(http.HandlerFunc(s.handleStatsDaily)))
	mux.Handle("GET /api/stats/hourly", api(http.HandlerFunc(s.handleStatsHourly)))
	mux.Handle("GET /api/profile", api(http.HandlerFunc(s.handleProfileGet)))
	mux.Handle("PUT /api/profile", api(http.HandlerFunc(s.handleProfilePut)))

	// Health stays open so process supervisors need no token.
	mux.HandleFunc("GET /api/healthz", s.handleHealthz)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleFeed accepts the capture agent connection and pumps its events
// into the pipeline. A payload the pipeline rejects is answered with an
// error message; the connection stays up.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx := r.Context()
	log := trace.Logger(ctx)
	log.Info("feed connected", "remote", r.RemoteAddr)

	rl := &rateLimiter{}
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			log.Debug("feed closed", "error", err)
			return
		}

		if !rl.allow() {
			s.feedRejected.Add(1)
			log.Warn("feed rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(ctx, conn, ErrorMessage{
				Type:    "error",
				Code:    "RATE_LIMITED",
				Message: "event rate limit exceeded",
			})
			continue
		}

		var evt capture.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			log.Warn("malformed feed payload", "error", err)
			_ = wsjson.Write(ctx, conn, ErrorMessage{
				Type:    "error",
				Code:    string(errors.CodeFeedEmptyEvent),
				Message: "payload does not decode as a capture event",
			})
			continue
		}

		if err := s.mgr.HandleEvent(ctx, &evt); err != nil {
			log.Warn("feed event rejected", "error", err)
			_ = wsjson.Write(ctx, conn, ErrorMessage{
				Type:    "error",
				Code:    string(errors.CodeOf(err)),
				Message: err.Error(),
			})
		}
	}
}

// handleOverlay registers an overlay connection for pushes. The overlay
// never sends application messages; the read loop only notices the close.
func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.overlays[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.overlays, conn)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	log := trace.Logger(ctx)
	log.Info("overlay connected", "remote", r.RemoteAddr)

	// A fresh overlay renders from current state, not from the next event.
	sess := s.mgr.SessionSnapshot()
	_ = wsjson.Write(ctx, conn, SessionMessage{Type: "session", Session: sess})
	dem := s.mgr.DemandSnapshot()
	_ = wsjson.Write(ctx, conn, s.renderDemand(dem))

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			log.Debug("overlay closed", "error", err)
			return
		}
	}
}

// broadcastEvents fans pipeline events out to every overlay connection.
func (s *Server) broadcastEvents() {
	for {
		select {
		case <-s.stopCh:
			return
		case evt := <-s.mgr.Events():
			msg := s.renderEvent(evt)
			if msg == nil {
				continue
			}

			s.mu.RLock()
			for conn := range s.overlays {
				go func(c *websocket.Conn, m any) {
					ctx, cancel := context.WithTimeout(context.Background(), OverlayWriteTimeout)
					defer cancel()
					_ = wsjson.Write(ctx, c, m)
				}(conn, msg)
			}
			s.mu.RUnlock()
		}
	}
}

// renderEvent localizes one pipeline event for the overlay.
func (s *Server) renderEvent(evt orchestrator.Event) any {
	locale := s.profiles.Current().Locale
	switch evt.Type {
	case orchestrator.EventOffer:
		o, card := evt.Offer.Offer, evt.Offer.Card
		msg := OfferMessage{
			Type:         "offer",
			Offer:        o,
			Card:         card,
			VerdictLabel: s.loc.Message(locale, "verdict."+string(card.Verdict)),
			FareDisplay:  s.loc.FormatMoney(locale, o.FareCents, o.Currency),
		}
		if card.PerKmCents > 0 {
			msg.PerKmDisplay = s.loc.FormatPerKm(locale, card.PerKmCents, o.Currency)
		}
		for _, reason := range card.Reasons {
			msg.ReasonLabels = append(msg.ReasonLabels, s.loc.Message(locale, "reason."+reason))
		}
		return msg
	case orchestrator.EventDemand:
		return s.renderDemand(*evt.Demand)
	case orchestrator.EventAdvice:
		return AdviceMessage{
			Type:        "advice",
			Advice:      *evt.Advice,
			ActionLabel: s.loc.Message(locale, "action."+string(evt.Advice.Action)),
			ReasonLabel: s.loc.Message(locale, "advice."+evt.Advice.Reason),
		}
	case orchestrator.EventSession:
		return SessionMessage{Type: "session", Session: *evt.Session}
	}
	return nil
}

func (s *Server) renderDemand(snap demand.Snapshot) DemandMessage {
	locale := s.profiles.Current().Locale
	return DemandMessage{
		Type:       "demand",
		Demand:     snap,
		LevelLabel: s.loc.Message(locale, "level."+string(snap.Level)),
		TrendLabel: s.loc.Message(locale, "trend."+string(snap.Trend)),
	}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.SessionSnapshot())
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.StartSession())
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.mgr.StopSession(r.Context())
	if !ok {
		writeError(w, errors.New(errors.CodeSessionNotActive, "no active session to stop"))
		return
	}
	writeJSON(w, http.StatusOK, sessionRecordJSON{
		ID:             rec.ID,
		StartedAtMS:    rec.StartedAt.UnixMilli(),
		EndedAtMS:      rec.EndedAt.UnixMilli(),
		OffersSeen:     rec.OffersSeen,
		OffersAccepted: rec.OffersAccepted,
		TripsCompleted: rec.TripsCompleted,
		TripsCanceled:  rec.TripsCanceled,
		EarningsCents:  rec.EarningsCents,
		Breaks:         rec.Breaks,
	})
}

func (s *Server) handleSessionBreak(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.mgr.BreakSession()
	if !ok {
		writeError(w, errors.New(errors.CodeSessionNotActive, "no active session to break"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDemand(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.DemandSnapshot())
}

func (s *Server) handleStatsDaily(w http.ResponseWriter, r *http.Request) {
	days := DefaultStatsDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, errors.Newf(errors.CodeInvalidArgument, "days must be a positive integer, got %q", v))
			return
		}
		days = min(n, MaxStatsDays)
	}

	now := time.Now()
	from := now.AddDate(0, 0, -(days - 1)).Format(dateLayout)
	to := now.Format(dateLayout)

	rows, err := s.store.GetDailyStats(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []storage.DailyStats{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleStatsHourly(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().Format(dateLayout)
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		writeError(w, errors.Newf(errors.CodeInvalidArgument, "date must be YYYY-MM-DD, got %q", date))
		return
	}

	rows, err := s.store.GetHourlyDemand(r.Context(), date)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []storage.HourlyDemand{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.profiles.Current())
}

// handleProfilePut decodes the body over the defaults, so a partial
// profile only overrides what it names. The same merge the YAML loader
// applies.
func (s *Server) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	p := profile.Default()
	if err := json.NewDecoder(r.Body).Decode(p); err != nil {
		writeError(w, errors.Wrap(err, errors.CodeInvalidArgument, "decode profile body"))
		return
	}
	if err := s.profiles.Put(p); err != nil {
		writeError(w, err)
		return
	}
	trace.Logger(r.Context()).Info("profile updated via api")
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	overlays := len(s.overlays)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_ms":      time.Since(s.startedAt).Milliseconds(),
		"overlays":       overlays,
		"feed_rejected":  s.feedRejected.Load(),
		"pipeline":       s.mgr.Stats(),
		"auth_enabled":   s.auth.Enabled(),
		"export_enabled": s.cfg.ExportURL != "",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errors.CodeInternal
	msg := "internal error"
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		status = appErr.HTTPStatus()
		code = appErr.Code
		msg = appErr.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": string(code), "message": msg},
	})
}
