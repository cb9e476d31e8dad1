package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/goleak"

	"github.com/farepilot/farepilot/internal/auth"
	"github.com/farepilot/farepilot/internal/capture"
	"github.com/farepilot/farepilot/internal/config"
	"github.com/farepilot/farepilot/internal/i18n"
	"github.com/farepilot/farepilot/internal/orchestrator"
	"github.com/farepilot/farepilot/internal/profile"
	"github.com/farepilot/farepilot/internal/storage"
)

const testCard = "UberX · R$ 13,68 · ★ 4,85 · 5 min (1,2 km) de distância · 12 min (6,4 km) viagem"

// serverStore backs the REST endpoints with canned rows.
type serverStore struct {
	mu       sync.Mutex
	daily    []storage.DailyStats
	hourly   []storage.HourlyDemand
	offers   []storage.OfferRecord
	sessions []storage.SessionRecord
}

func (s *serverStore) PutOffers(ctx context.Context, offers []storage.OfferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, offers...)
	return nil
}

func (s *serverStore) PutSession(ctx context.Context, rec storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, rec)
	return nil
}

func (s *serverStore) GetSessions(ctx context.Context, from, to time.Time) ([]storage.SessionRecord, error) {
	return nil, nil
}

func (s *serverStore) GetUnexportedSessions(ctx context.Context, limit int) ([]storage.SessionRecord, error) {
	return nil, nil
}

func (s *serverStore) MarkSessionsExported(ctx context.Context, ids []string) error { return nil }

func (s *serverStore) UpsertDailyStats(ctx context.Context, deltas []storage.DailyDelta) error {
	return nil
}

func (s *serverStore) GetDailyStats(ctx context.Context, from, to string) ([]storage.DailyStats, error) {
	return s.daily, nil
}

func (s *serverStore) BumpHourlyDemand(ctx context.Context, deltas []storage.HourlyDelta) error {
	return nil
}

func (s *serverStore) GetHourlyDemand(ctx context.Context, date string) ([]storage.HourlyDemand, error) {
	return s.hourly, nil
}

func (s *serverStore) PruneOffers(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (s *serverStore) Close() error { return nil }

func testServerConfig() *config.Config {
	return &config.Config{
		WindowMinutes:         30,
		BaselineOffersPerHour: 12,
		MaxClockSkew:          2 * time.Minute,
		FingerprintTTL:        90 * time.Second,
		AcceptWindow:          2 * time.Minute,
		AdviceInterval:        time.Minute,
		AdviceCooldown:        5 * time.Minute,
		FlushInterval:         time.Hour,
		FlushBatchSize:        1000,
		OfferRetentionDays:    14,
	}
}

func newTestServer(t *testing.T, secret string) (*Server, *serverStore) {
	t.Helper()
	st := &serverStore{}
	profiles := profile.NewStore(filepath.Join(t.TempDir(), "profile.yaml"))
	cfg := testServerConfig()
	mgr := orchestrator.New(cfg, profiles, st)
	loc, err := i18n.Load()
	if err != nil {
		t.Fatalf("i18n.Load() error = %v", err)
	}
	srv := New(cfg, mgr, st, profiles, auth.New(secret), loc)
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
	})
	return srv, st
}

func doJSON(t *testing.T, handler http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s response: %v", method, target, err)
		}
	}
	return rec, decoded
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("body has no error object: %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("OPTIONS", "/test", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}

	req = httptest.NewRequest("GET", "/test", http.NoBody)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(v, "PUT") {
		t.Errorf("CORS methods = %q, should include PUT", v)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := &rateLimiter{}

	for i := 0; i < FeedRateLimitEvents; i++ {
		if !rl.allow() {
			t.Fatalf("allow() = false at event %d, want true", i)
		}
	}
	if rl.allow() {
		t.Errorf("allow() = true beyond the window limit, want false")
	}
}

func TestHealthzOpenWithoutToken(t *testing.T) {
	srv, _ := newTestServer(t, "pairing-secret")
	handler := srv.Handler()

	rec, body := doJSON(t, handler, "GET", "/api/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["auth_enabled"] != true {
		t.Errorf("auth_enabled = %v, want true", body["auth_enabled"])
	}
}

func TestSessionEndpoints(t *testing.T) {
	srv, st := newTestServer(t, "")
	handler := srv.Handler()

	rec, body := doJSON(t, handler, "POST", "/api/session/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, want 200", rec.Code)
	}
	if body["active"] != true {
		t.Errorf("start active = %v, want true", body["active"])
	}

	rec, body = doJSON(t, handler, "GET", "/api/session", "")
	if rec.Code != http.StatusOK || body["active"] != true {
		t.Errorf("get session = %d/%v, want 200/true", rec.Code, body["active"])
	}

	rec, body = doJSON(t, handler, "POST", "/api/session/break", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("break status = %d, want 200", rec.Code)
	}
	if body["breaks"] != float64(1) {
		t.Errorf("breaks = %v, want 1", body["breaks"])
	}

	rec, body = doJSON(t, handler, "POST", "/api/session/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", rec.Code)
	}
	if id, _ := body["id"].(string); id == "" {
		t.Error("stop response has no session id")
	}
	if body["breaks"] != float64(1) {
		t.Errorf("stopped breaks = %v, want 1", body["breaks"])
	}

	st.mu.Lock()
	persisted := len(st.sessions)
	st.mu.Unlock()
	if persisted != 1 {
		t.Errorf("persisted sessions = %d, want 1", persisted)
	}

	rec, body = doJSON(t, handler, "POST", "/api/session/stop", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second stop status = %d, want 409", rec.Code)
	}
	if code := errorCode(t, body); code != "SESSION_NOT_ACTIVE" {
		t.Errorf("second stop code = %q, want SESSION_NOT_ACTIVE", code)
	}
}

func TestDemandEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec, body := doJSON(t, srv.Handler(), "GET", "/api/demand", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("demand status = %d, want 200", rec.Code)
	}
	if body["level"] != "low" {
		t.Errorf("idle demand level = %v, want low", body["level"])
	}
}

func TestStatsDaily(t *testing.T) {
	srv, st := newTestServer(t, "")
	st.daily = []storage.DailyStats{
		{Date: "2025-06-10", OffersSeen: 12, EarningsCents: 15000, PeakHour: 18},
	}
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/api/stats/daily?days=7", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("daily status = %d, want 200", rec.Code)
	}
	var rows []storage.DailyStats
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode daily rows: %v", err)
	}
	if len(rows) != 1 || rows[0].OffersSeen != 12 {
		t.Errorf("rows = %+v, want the canned row", rows)
	}

	rec, body := doJSON(t, handler, "GET", "/api/stats/daily?days=zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad days status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, body); code != "INVALID_ARGUMENT" {
		t.Errorf("bad days code = %q, want INVALID_ARGUMENT", code)
	}
}

func TestStatsDailyEmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/stats/daily", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("daily status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("empty daily body = %q, want []", got)
	}
}

func TestStatsHourly(t *testing.T) {
	srv, st := newTestServer(t, "")
	st.hourly = []storage.HourlyDemand{
		{Date: "2025-06-10", Hour: 18, Offers: 9, AvgScore: 72.5},
	}
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/api/stats/hourly?date=2025-06-10", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("hourly status = %d, want 200", rec.Code)
	}
	var rows []storage.HourlyDemand
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode hourly rows: %v", err)
	}
	if len(rows) != 1 || rows[0].Hour != 18 {
		t.Errorf("rows = %+v, want the canned row", rows)
	}

	rec2, body := doJSON(t, handler, "GET", "/api/stats/hourly?date=junk", "")
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d, want 400", rec2.Code)
	}
	if code := errorCode(t, body); code != "INVALID_ARGUMENT" {
		t.Errorf("bad date code = %q, want INVALID_ARGUMENT", code)
	}
}

func TestProfileEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "")
	handler := srv.Handler()

	rec, body := doJSON(t, handler, "GET", "/api/profile", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get profile status = %d, want 200", rec.Code)
	}
	if body["min_per_km_cents"] != float64(120) {
		t.Errorf("default min_per_km_cents = %v, want 120", body["min_per_km_cents"])
	}

	rec, _ = doJSON(t, handler, "PUT", "/api/profile", `{"min_per_km_cents":150,"good_per_km_cents":260}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put profile status = %d, want 200", rec.Code)
	}

	rec, body = doJSON(t, handler, "GET", "/api/profile", "")
	if rec.Code != http.StatusOK || body["min_per_km_cents"] != float64(150) {
		t.Errorf("updated min_per_km_cents = %v, want 150", body["min_per_km_cents"])
	}

	rec, body = doJSON(t, handler, "PUT", "/api/profile", `{"min_per_km_cents":-5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid profile status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, body); code != "PROFILE_INVALID" {
		t.Errorf("invalid profile code = %q, want PROFILE_INVALID", code)
	}

	rec, body = doJSON(t, handler, "PUT", "/api/profile", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage body status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, body); code != "INVALID_ARGUMENT" {
		t.Errorf("garbage body code = %q, want INVALID_ARGUMENT", code)
	}
}

func TestAuthEnforcedOnAPI(t *testing.T) {
	srv, _ := newTestServer(t, "pairing-secret")
	handler := srv.Handler()
	authn := auth.New("pairing-secret")

	rec, body := doJSON(t, handler, "GET", "/api/session", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, body); code != "AUTH_TOKEN_MISSING" {
		t.Errorf("no token code = %q, want AUTH_TOKEN_MISSING", code)
	}

	token, err := authn.Mint(auth.RoleOverlay, "test-overlay", time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	req := httptest.NewRequest("GET", "/api/session", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Errorf("overlay token status = %d, want 200", rec2.Code)
	}

	// The feed route takes only agent tokens; an overlay token is
	// rejected before the upgrade.
	req = httptest.NewRequest("GET", "/ws/feed", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, req)
	if rec3.Code != http.StatusForbidden {
		t.Errorf("overlay token on feed status = %d, want 403", rec3.Code)
	}
}

func dialWS(t *testing.T, ctx context.Context, baseURL, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, baseURL+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readTyped(t *testing.T, ctx context.Context, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	var raw json.RawMessage
	if err := wsjson.Read(ctx, conn, &raw); err != nil {
		t.Fatalf("read overlay message: %v", err)
	}
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		t.Fatalf("decode overlay message: %v", err)
	}
	return base.Type, raw
}

func TestFeedToOverlayFlow(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	overlay := dialWS(t, ctx, ts.URL, "/ws/overlay")

	// Fresh overlays get current state first: session, then demand.
	typ, _ := readTyped(t, ctx, overlay)
	if typ != "session" {
		t.Fatalf("first overlay message = %q, want session", typ)
	}
	typ, raw := readTyped(t, ctx, overlay)
	if typ != "demand" {
		t.Fatalf("second overlay message = %q, want demand", typ)
	}
	var dm DemandMessage
	if err := json.Unmarshal(raw, &dm); err != nil {
		t.Fatalf("decode demand message: %v", err)
	}
	if dm.LevelLabel == "" || dm.TrendLabel == "" {
		t.Errorf("demand labels empty: %+v", dm)
	}

	feed := dialWS(t, ctx, ts.URL, "/ws/feed")
	err := wsjson.Write(ctx, feed, capture.Event{
		Kind:         capture.KindScreen,
		AppID:        "uber",
		Text:         testCard,
		ObservedAtMS: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("write feed event: %v", err)
	}

	// The offer and the demand refresh race on separate write goroutines;
	// read until the offer shows up.
	var om OfferMessage
	for {
		typ, raw = readTyped(t, ctx, overlay)
		if typ != "offer" {
			continue
		}
		if err := json.Unmarshal(raw, &om); err != nil {
			t.Fatalf("decode offer message: %v", err)
		}
		break
	}

	if om.Offer.FareCents != 1368 {
		t.Errorf("offer fare = %d, want 1368", om.Offer.FareCents)
	}
	if om.FareDisplay != "R$ 13,68" {
		t.Errorf("fare display = %q, want R$ 13,68", om.FareDisplay)
	}
	want := "verdict." + string(om.Card.Verdict)
	loc, _ := i18n.Load()
	if got := loc.Message("pt-BR", want); om.VerdictLabel != got {
		t.Errorf("verdict label = %q, want %q", om.VerdictLabel, got)
	}
	if om.VerdictLabel == want {
		t.Errorf("verdict label %q was not localized", om.VerdictLabel)
	}
}

func TestCloseStopsBroadcaster(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := &serverStore{}
	profiles := profile.NewStore(filepath.Join(t.TempDir(), "profile.yaml"))
	cfg := testServerConfig()
	mgr := orchestrator.New(cfg, profiles, st)
	loc, err := i18n.Load()
	if err != nil {
		t.Fatalf("i18n.Load() error = %v", err)
	}

	srv := New(cfg, mgr, st, profiles, auth.New(""), loc)
	srv.Close()
	srv.Close() // second close is a no-op
	mgr.Close()
}

func TestFeedKeepsConnectionOnBadPayload(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed := dialWS(t, ctx, ts.URL, "/ws/feed")

	for i := 0; i < 2; i++ {
		if err := wsjson.Write(ctx, feed, map[string]string{"kind": "bogus"}); err != nil {
			t.Fatalf("write bogus event %d: %v", i, err)
		}
		var em ErrorMessage
		if err := wsjson.Read(ctx, feed, &em); err != nil {
			t.Fatalf("read error reply %d: %v", i, err)
		}
		if em.Type != "error" || em.Code != "FEED_UNKNOWN_KIND" {
			t.Errorf("reply %d = %+v, want FEED_UNKNOWN_KIND error", i, em)
		}
	}
}
