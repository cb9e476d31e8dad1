// Package export ships daily aggregates and finished sessions to an
// optional HTTPS endpoint. The exporter is off unless an endpoint is
// configured; pushes go through the circuit breaker so a dead endpoint
// cannot stall the daemon, and sessions are only marked exported after
// the endpoint accepted them.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/farepilot/farepilot/internal/errors"
	"github.com/farepilot/farepilot/internal/resilience"
	"github.com/farepilot/farepilot/internal/storage"
	"github.com/farepilot/farepilot/internal/trace"
)

// Source is the slice of the store the exporter reads and marks.
type Source interface {
	GetDailyStats(ctx context.Context, from, to string) ([]storage.DailyStats, error)
	GetUnexportedSessions(ctx context.Context, limit int) ([]storage.SessionRecord, error)
	MarkSessionsExported(ctx context.Context, ids []string) error
}

// Config holds exporter settings. An empty URL disables the exporter.
type Config struct {
	URL          string
	Token        string
	Interval     time.Duration
	StatsDays    int
	SessionLimit int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StatsDays <= 0 {
		c.StatsDays = DefaultStatsDays
	}
	if c.SessionLimit <= 0 {
		c.SessionLimit = DefaultSessionLimit
	}
	return c
}

// Exporter periodically POSTs aggregates to the configured endpoint.
type Exporter struct {
	cfg      Config
	source   Source
	client   *http.Client
	breaker  *resilience.Breaker
	retryCfg resilience.RetryConfig
	now      func() time.Time
}

type payload struct {
	GeneratedAtMS int64                `json:"generated_at_ms"`
	Daily         []storage.DailyStats `json:"daily"`
	Sessions      []sessionPayload     `json:"sessions"`
}

type sessionPayload struct {
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

// New creates an exporter over the given source.
func New(cfg Config, src Source) *Exporter {
	return &Exporter{
		cfg:      cfg.withDefaults(),
		source:   src,
		client:   &http.Client{Timeout: requestTimeout},
		breaker:  resilience.New("export", resilience.ExportConfig()),
		retryCfg: resilience.ExportRetryConfig(),
		now:      time.Now,
	}
}

// Enabled reports whether an endpoint is configured.
func (e *Exporter) Enabled() bool {
	return e.cfg.URL != ""
}

// Run ticks until the context is canceled. Failed pushes stay unexported
// and are retried on the next tick.
func (e *Exporter) Run(ctx context.Context) {
	if !e.Enabled() {
		slog.Info("stats export disabled, no endpoint configured")
		return
	}
	slog.Info("stats export enabled", "interval", e.cfg.Interval)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ExportOnce(ctx); err != nil {
				slog.Warn("stats export failed", "error", err)
			}
		}
	}
}

// ExportOnce gathers the current aggregates and pushes them. A push with
// nothing to send is a no-op.
func (e *Exporter) ExportOnce(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	ctx, span := trace.StartSpan(ctx, "stats_export")
	defer span.End()
	log := trace.Logger(ctx)

	now := e.now()
	from := now.AddDate(0, 0, -(e.cfg.StatsDays - 1)).Format(dateLayout)
	to := now.Format(dateLayout)

	daily, err := e.source.GetDailyStats(ctx, from, to)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load daily stats: %w", err)
	}
	sessions, err := e.source.GetUnexportedSessions(ctx, e.cfg.SessionLimit)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load unexported sessions: %w", err)
	}
	if len(daily) == 0 && len(sessions) == 0 {
		log.Debug("nothing to export")
		return nil
	}
	span.SetAttr("daily", len(daily))
	span.SetAttr("sessions", len(sessions))

	body, err := json.Marshal(buildPayload(now, daily, sessions))
	if err != nil {
		return fmt.Errorf("encode export payload: %w", err)
	}

	err = resilience.Retry(ctx, e.retryCfg, func() error {
		return e.breaker.Execute(func() error {
			return e.push(ctx, body)
		})
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if len(sessions) > 0 {
		ids := make([]string, len(sessions))
		for i, rec := range sessions {
			ids[i] = rec.ID
		}
		err := resilience.Retry(ctx, resilience.StorageRetryConfig(), func() error {
			return e.source.MarkSessionsExported(ctx, ids)
		})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("mark sessions exported: %w", err)
		}
	}

	log.Info("stats exported", "daily", len(daily), "sessions", len(sessions))
	return nil
}

func (e *Exporter) push(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.CodeExportUnavailable, "export endpoint unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errors.Newf(errors.CodeExportUnavailable,
			"export endpoint returned %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	default:
		return errors.Newf(errors.CodeExportRejected,
			"export endpoint rejected push with %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
}

func buildPayload(now time.Time, daily []storage.DailyStats, sessions []storage.SessionRecord) payload {
	p := payload{
		GeneratedAtMS: now.UnixMilli(),
		Daily:         daily,
		Sessions:      make([]sessionPayload, 0, len(sessions)),
	}
	for _, rec := range sessions {
		p.Sessions = append(p.Sessions, sessionPayload{
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
	return p
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, errorBodyLimit))
	if err != nil || len(b) == 0 {
		return "<no body>"
	}
	return string(b)
}
