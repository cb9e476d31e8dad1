// Package advisor turns session and demand state into a pause/continue
// recommendation. Rules are ordered, first match wins, and a cooldown keeps
// the advised action from flapping.
package advisor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/farepilot/farepilot/internal/demand"
	"github.com/farepilot/farepilot/internal/profile"
	"github.com/farepilot/farepilot/internal/session"
)

// Action is what the driver should do.
type Action string

const (
	ActionContinue Action = "continue"
	ActionPause    Action = "pause"
)

// Advice is one recommendation.
type Advice struct {
	Action     Action  `json:"action"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	AtMS       int64   `json:"at_ms"`
}

// Inputs is everything one evaluation looks at.
type Inputs struct {
	Session         session.Snapshot
	Demand          demand.Snapshot
	BaselinePerHour float64
}

// Advisor evaluates the rules and suppresses noise: identical advice is not
// re-issued, and the action cannot change more often than the cooldown.
type Advisor struct {
	mu         sync.Mutex
	cooldown   time.Duration
	last       Advice
	hasAdvice  bool
	lastChange time.Time
	weakSince  time.Time
}

// New creates an advisor. A non-positive cooldown uses the default.
func New(cooldown time.Duration) *Advisor {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Advisor{cooldown: cooldown}
}

// Evaluate runs the rules at now. The second return is false when the
// advice did not change or a change of action is held back by the cooldown.
func (a *Advisor) Evaluate(in Inputs, p *profile.Profile, now time.Time) (Advice, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	proposed := a.decideLocked(in, p, now)

	if a.hasAdvice {
		if proposed.Action != a.last.Action && now.Sub(a.lastChange) < a.cooldown {
			return a.last, false
		}
		if proposed.Action == a.last.Action && proposed.Reason == a.last.Reason {
			return a.last, false
		}
	}

	if !a.hasAdvice || proposed.Action != a.last.Action {
		a.lastChange = now
	}
	a.last = proposed
	a.hasAdvice = true
	slog.Info("advice changed",
		"action", proposed.Action,
		"reason", proposed.Reason,
		"confidence", proposed.Confidence)
	return proposed, true
}

// Reset clears advisory state, for session stop.
func (a *Advisor) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = Advice{}
	a.hasAdvice = false
	a.lastChange = time.Time{}
	a.weakSince = time.Time{}
}

func (a *Advisor) decideLocked(in Inputs, p *profile.Profile, now time.Time) Advice {
	elapsed := time.Duration(in.Session.ElapsedMS) * time.Millisecond
	sinceBreak := time.Duration(in.Session.SinceBreakMS) * time.Millisecond
	rate := float64(in.Session.EarningsPerHourCents)
	target := float64(p.TargetHourlyCents)
	busy := in.Demand.Level == demand.LevelHigh || in.Demand.Level == demand.LevelSurge

	if p.MaxSessionHours > 0 && elapsed >= time.Duration(p.MaxSessionHours)*time.Hour {
		return a.advice(ActionPause, ReasonSessionLimit, SessionLimitConfidence, now)
	}

	if p.PauseAfterMinutes > 0 && sinceBreak >= time.Duration(p.PauseAfterMinutes)*time.Minute && !busy {
		return a.advice(ActionPause, ReasonRestDue, RestDueConfidence, now)
	}

	weak := in.Demand.Trend == demand.TrendFalling &&
		in.Demand.OffersPerMin < in.BaselinePerHour/60*HalfBaselineShare &&
		rate < WeakEarningsShare*target
	if weak {
		if a.weakSince.IsZero() {
			a.weakSince = now
		}
		if now.Sub(a.weakSince) >= WeakMarketPatience {
			return a.advice(ActionPause, ReasonWeakMarket, WeakMarketConfidence, now)
		}
	} else {
		a.weakSince = time.Time{}
	}

	if (in.Demand.Level == demand.LevelSurge || in.Demand.Trend == demand.TrendRising) && rate >= target {
		conf := RideWaveBaseConfidence + RideWaveScoreWeight*in.Demand.Score/100
		return a.advice(ActionContinue, ReasonRideTheWave, conf, now)
	}

	return a.advice(ActionContinue, ReasonSteady, SteadyConfidence, now)
}

func (a *Advisor) advice(action Action, reason string, confidence float64, now time.Time) Advice {
	return Advice{
		Action:     action,
		Reason:     reason,
		Confidence: confidence,
		AtMS:       now.UnixMilli(),
	}
}
