// Package score turns offers into scored verdicts against the driver
// profile.
package score

// Component point budgets. The per-km rate dominates on purpose: it is the
// number drivers actually argue about.
const (
	BasePoints        = 15.0
	RateMaxPoints     = 60.0
	RateUnknownPoints = 24.0
	DurationMaxPoints = 15.0

	// First kilometer of pickup is free; beyond that the profile penalty
	// applies per km, capped here.
	PickupFreeKm     = 1.0
	PickupPenaltyCap = 25.0

	// Rule scripts are advisory. They can nudge, not rewrite.
	ScriptMaxAdjust = 20.0

	MinScore = 0.0
	MaxScore = 100.0
)

// Reason codes attached to scorecards. The overlay translates them; they
// are stable identifiers, not display strings.
const (
	ReasonBelowMinFare   = "below_min_fare"
	ReasonPickupTooFar   = "pickup_too_far"
	ReasonLowRate        = "low_rate"
	ReasonGoodRate       = "good_rate"
	ReasonTripUnknown    = "trip_distance_unknown"
	ReasonPeakHour       = "peak_hour"
	ReasonScriptAdjusted = "script_adjusted"
)
