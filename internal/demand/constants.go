package demand

import "time"

const (
	// Score component caps. Together they sum to 100.
	PopularityMaxPoints = 50.0
	CategoryMaxPoints   = 15.0
	PeakPoints          = 10.0
	ReachableMaxPoints  = 25.0

	// CategoryPointsPerWeight converts the average category multiplier into
	// points, so an all-1.0 window lands mid-band.
	CategoryPointsPerWeight = 10.0

	// RateCapMultiple caps the offer rate at this multiple of the baseline
	// before it maps to popularity points.
	RateCapMultiple = 2.0

	// MinSamples is the window size below which a snapshot is low
	// confidence.
	MinSamples = 4

	// TrendHysteresis is the relative change the window halves must differ
	// by before the trend leaves stable.
	TrendHysteresis = 0.15

	// Level thresholds on the demand score.
	LevelSurgeScore    = 80.0
	LevelHighScore     = 60.0
	LevelModerateScore = 35.0

	DefaultWindow          = 30 * time.Minute
	DefaultMaxEntries      = 512
	DefaultBaselinePerHour = 12.0
	DefaultFingerprintTTL  = 90 * time.Second
)
