// Package demand keeps a rolling window of scored offers and classifies how
// busy the market looks right now: a 0-100 demand score, a level band, and a
// trend comparing the older half of the window against the recent half.
package demand

import "time"

// Level bands the demand score.
type Level string

const (
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
	LevelSurge    Level = "surge"
)

// Trend classifies the direction the window is moving.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendStable  Trend = "stable"
	TrendFalling Trend = "falling"
)

// Snapshot is one read of the window.
type Snapshot struct {
	Score            float64   `json:"score"`
	Level            Level     `json:"level"`
	Trend            Trend     `json:"trend"`
	OffersPerMin     float64   `json:"offers_per_min"`
	MedianPerKmCents int64     `json:"median_per_km_cents"`
	SampleSize       int       `json:"sample_size"`
	WindowStart      time.Time `json:"window_start"`
	LowConfidence    bool      `json:"low_confidence"`
}

func levelFor(score float64) Level {
	switch {
	case score >= LevelSurgeScore:
		return LevelSurge
	case score >= LevelHighScore:
		return LevelHigh
	case score >= LevelModerateScore:
		return LevelModerate
	default:
		return LevelLow
	}
}
