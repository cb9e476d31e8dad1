package advisor

import "time"

const (
	// DefaultCooldown is the minimum time between changes of the advised
	// action. Flapping between pause and continue is worse than being a
	// little late.
	DefaultCooldown = 5 * time.Minute

	// WeakMarketPatience is how long the weak-market conditions must hold
	// before a pause is advised.
	WeakMarketPatience = 30 * time.Minute

	// WeakEarningsShare is the fraction of the target hourly rate below
	// which earnings count as weak.
	WeakEarningsShare = 0.6

	// HalfBaselineShare marks the offer rate below which the market counts
	// as dried up.
	HalfBaselineShare = 0.5

	SessionLimitConfidence = 0.95
	RestDueConfidence      = 0.8
	WeakMarketConfidence   = 0.75
	SteadyConfidence       = 0.5

	// Ride-the-wave confidence scales with the demand score between the
	// base and base+weight.
	RideWaveBaseConfidence = 0.6
	RideWaveScoreWeight    = 0.4
)

// Reason codes carried on advice.
const (
	ReasonSessionLimit = "session_limit"
	ReasonRestDue      = "rest_due"
	ReasonWeakMarket   = "weak_market"
	ReasonRideTheWave  = "ride_the_wave"
	ReasonSteady       = "steady"
)
