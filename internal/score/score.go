package score

import (
	"log/slog"
	"math"

	"github.com/farepilot/farepilot/internal/offer"
	"github.com/farepilot/farepilot/internal/profile"
)

// Verdict is the recommendation shown to the driver.
type Verdict string

const (
	VerdictAccept   Verdict = "accept"
	VerdictConsider Verdict = "consider"
	VerdictReject   Verdict = "reject"
)

// Components is the per-rule breakdown of a score. Pickup is zero or
// negative; Category and Script are deltas against the subtotal.
type Components struct {
	Base     float64 `json:"base"`
	PerKm    float64 `json:"per_km"`
	Pickup   float64 `json:"pickup"`
	Duration float64 `json:"duration"`
	Peak     float64 `json:"peak"`
	Category float64 `json:"category"`
	Script   float64 `json:"script"`
}

// Scorecard is the scored view of one offer.
type Scorecard struct {
	OfferID     string     `json:"offer_id"`
	Score       float64    `json:"score"`
	Verdict     Verdict    `json:"verdict"`
	PerKmCents  int64      `json:"per_km_cents"`
	PerMinCents int64      `json:"per_min_cents"`
	Components  Components `json:"components"`
	Reasons     []string   `json:"reasons,omitempty"`
}

func (sc *Scorecard) addReason(code string) {
	sc.Reasons = append(sc.Reasons, code)
}

// Hook lets an external rule script adjust a draft scorecard. Adjust
// returns a score delta and an optional forced verdict ("" for none).
type Hook interface {
	Adjust(o offer.Offer, draft Scorecard) (delta float64, forced Verdict, err error)
}

// Engine scores offers. It is stateless apart from the optional hook and
// safe for concurrent use when the hook is.
type Engine struct {
	hook Hook
}

// NewEngine creates an engine. hook may be nil.
func NewEngine(hook Hook) *Engine {
	return &Engine{hook: hook}
}

// Score rates one offer against the profile. It is a pure function of its
// inputs: same offer, profile, and observation time always produce the same
// scorecard.
func (e *Engine) Score(o offer.Offer, p *profile.Profile) Scorecard {
	sc := Scorecard{OfferID: o.ID, PerKmCents: o.PerKmCents()}
	comp := &sc.Components

	minutes := o.PickupMin + o.TripMin
	if minutes > 0 {
		sc.PerMinCents = o.FareCents / int64(minutes)
	}

	comp.Base = BasePoints

	switch rate := sc.PerKmCents; {
	case o.TripKm <= 0:
		comp.PerKm = RateUnknownPoints
		sc.addReason(ReasonTripUnknown)
	case rate <= p.MinPerKmCents:
		comp.PerKm = 0
		sc.addReason(ReasonLowRate)
	case rate >= p.GoodPerKmCents:
		comp.PerKm = RateMaxPoints
		sc.addReason(ReasonGoodRate)
	default:
		span := float64(p.GoodPerKmCents - p.MinPerKmCents)
		comp.PerKm = float64(rate-p.MinPerKmCents) / span * RateMaxPoints
	}

	if o.PickupKm > PickupFreeKm {
		penalty := (o.PickupKm - PickupFreeKm) * p.PickupPenaltyPerKm
		comp.Pickup = -math.Min(penalty, PickupPenaltyCap)
	}

	if minutes > 0 {
		targetPerMin := float64(p.TargetHourlyCents) / 60
		ratio := float64(o.FareCents) / float64(minutes) / targetPerMin
		comp.Duration = math.Min(ratio, 2) * (DurationMaxPoints / 2)
	}

	if p.InPeak(o.ObservedAt) {
		comp.Peak = p.PeakBonus
		sc.addReason(ReasonPeakHour)
	}

	subtotal := comp.Base + comp.PerKm + comp.Pickup + comp.Duration + comp.Peak
	weighted := subtotal * p.WeightFor(o.Category)
	comp.Category = weighted - subtotal

	sc.Score = clamp(weighted)
	sc.Verdict = verdictFor(sc.Score, p)

	e.applyHook(o, &sc, p)

	// Hard gates outrank everything, scripts included.
	if o.PickupKm > p.MaxPickupKm {
		sc.addReason(ReasonPickupTooFar)
		if sc.Verdict == VerdictAccept {
			sc.Verdict = VerdictConsider
		}
	}
	if o.FareCents < p.MinFareCents {
		sc.addReason(ReasonBelowMinFare)
		sc.Verdict = VerdictReject
	}
	return sc
}

// applyHook runs the rule script against the draft. Script failures are
// logged and ignored; a broken script must never block scoring.
func (e *Engine) applyHook(o offer.Offer, sc *Scorecard, p *profile.Profile) {
	if e.hook == nil {
		return
	}
	delta, forced, err := e.hook.Adjust(o, *sc)
	if err != nil {
		slog.Warn("rule script failed, ignoring", "offer", o.ID, "error", err)
		return
	}
	if delta != 0 {
		delta = math.Max(-ScriptMaxAdjust, math.Min(ScriptMaxAdjust, delta))
		sc.Components.Script = delta
		sc.Score = clamp(sc.Score + delta)
		sc.Verdict = verdictFor(sc.Score, p)
		sc.addReason(ReasonScriptAdjusted)
	}
	switch forced {
	case VerdictAccept, VerdictConsider, VerdictReject:
		sc.Verdict = forced
	case "":
	default:
		slog.Warn("rule script forced unknown verdict, ignoring", "verdict", forced)
	}
}

func verdictFor(score float64, p *profile.Profile) Verdict {
	switch {
	case score >= p.AcceptScore:
		return VerdictAccept
	case score >= p.ConsiderScore:
		return VerdictConsider
	default:
		return VerdictReject
	}
}

func clamp(score float64) float64 {
	return math.Max(MinScore, math.Min(MaxScore, score))
}
