// Package profile holds the driver-configured scoring thresholds. The
// profile lives in a YAML file, is validated on every load, and is swapped
// atomically when the file changes on disk.
package profile

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// HourRange is a local-time hour window [From, To). From > To wraps past
// midnight.
type HourRange struct {
	From int `yaml:"from" json:"from"`
	To   int `yaml:"to" json:"to"`
}

// Contains reports whether the hour falls inside the range.
func (r HourRange) Contains(hour int) bool {
	if r.From < r.To {
		return hour >= r.From && hour < r.To
	}
	return hour >= r.From || hour < r.To
}

// Profile is the complete set of thresholds the score engine and pause
// advisor read. All money is integer cents.
type Profile struct {
	// Per-km fare rate anchors: at or below Min the rate component is
	// worth nothing, at or above Good it is worth full points.
	MinPerKmCents  int64 `yaml:"min_per_km_cents" json:"min_per_km_cents"`
	GoodPerKmCents int64 `yaml:"good_per_km_cents" json:"good_per_km_cents"`

	// Pickup tolerances. Offers beyond MaxPickupKm can never score above
	// the consider band.
	MaxPickupKm        float64 `yaml:"max_pickup_km" json:"max_pickup_km"`
	PickupPenaltyPerKm float64 `yaml:"pickup_penalty_per_km" json:"pickup_penalty_per_km"`

	// Hard floor: offers below this fare are rejected outright.
	MinFareCents int64 `yaml:"min_fare_cents" json:"min_fare_cents"`

	PeakHours []HourRange `yaml:"peak_hours" json:"peak_hours"`
	PeakBonus float64     `yaml:"peak_bonus" json:"peak_bonus"`

	CategoryWeights map[string]float64 `yaml:"category_weights" json:"category_weights"`

	// Verdict bands.
	AcceptScore   float64 `yaml:"accept_score" json:"accept_score"`
	ConsiderScore float64 `yaml:"consider_score" json:"consider_score"`

	// Session goals the pause advisor works against.
	TargetHourlyCents int64   `yaml:"target_hourly_cents" json:"target_hourly_cents"`
	MaxSessionHours   float64 `yaml:"max_session_hours" json:"max_session_hours"`
	PauseAfterMinutes int     `yaml:"pause_after_minutes" json:"pause_after_minutes"`

	Locale string `yaml:"locale" json:"locale"`

	// RuleScript is an optional Lua hook that can nudge scores.
	RuleScript string `yaml:"rule_script,omitempty" json:"rule_script,omitempty"`
}

// Default returns the stock profile tuned for a pt-BR ride market.
func Default() *Profile {
	return &Profile{
		MinPerKmCents:      120,
		GoodPerKmCents:     200,
		MaxPickupKm:        3.5,
		PickupPenaltyPerKm: 8,
		MinFareCents:       700,
		PeakHours: []HourRange{
			{From: 7, To: 9},
			{From: 17, To: 20},
		},
		PeakBonus: 10,
		CategoryWeights: map[string]float64{
			"comfort": 1.1,
			"black":   1.15,
			"moto":    0.9,
			"unknown": 0.85,
		},
		AcceptScore:       70,
		ConsiderScore:     50,
		TargetHourlyCents: 2500,
		MaxSessionHours:   10,
		PauseAfterMinutes: 240,
		Locale:            "pt-BR",
	}
}

// Parse unmarshals YAML over the defaults, so a partial profile only
// overrides what it names.
func Parse(data []byte) (*Profile, error) {
	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal renders the profile back to YAML.
func (p *Profile) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// Validate rejects profiles the score engine cannot work with.
func (p *Profile) Validate() error {
	if p.MinPerKmCents <= 0 {
		return fmt.Errorf("min_per_km_cents must be positive, got %d", p.MinPerKmCents)
	}
	if p.GoodPerKmCents <= p.MinPerKmCents {
		return fmt.Errorf("good_per_km_cents (%d) must exceed min_per_km_cents (%d)", p.GoodPerKmCents, p.MinPerKmCents)
	}
	if p.MaxPickupKm <= 0 {
		return fmt.Errorf("max_pickup_km must be positive, got %g", p.MaxPickupKm)
	}
	if p.PickupPenaltyPerKm < 0 {
		return fmt.Errorf("pickup_penalty_per_km must not be negative, got %g", p.PickupPenaltyPerKm)
	}
	if p.MinFareCents < 0 {
		return fmt.Errorf("min_fare_cents must not be negative, got %d", p.MinFareCents)
	}
	for _, r := range p.PeakHours {
		if r.From < 0 || r.From > 23 || r.To < 0 || r.To > 24 || r.From == r.To {
			return fmt.Errorf("peak hour range %d-%d is not a valid hour window", r.From, r.To)
		}
	}
	if p.PeakBonus < 0 {
		return fmt.Errorf("peak_bonus must not be negative, got %g", p.PeakBonus)
	}
	for cat, w := range p.CategoryWeights {
		if w <= 0 {
			return fmt.Errorf("category weight for %q must be positive, got %g", cat, w)
		}
	}
	if p.AcceptScore <= p.ConsiderScore {
		return fmt.Errorf("accept_score (%g) must exceed consider_score (%g)", p.AcceptScore, p.ConsiderScore)
	}
	if p.AcceptScore > 100 || p.ConsiderScore < 0 {
		return fmt.Errorf("score bands must sit inside 0-100, got %g/%g", p.ConsiderScore, p.AcceptScore)
	}
	if p.TargetHourlyCents <= 0 {
		return fmt.Errorf("target_hourly_cents must be positive, got %d", p.TargetHourlyCents)
	}
	if p.MaxSessionHours <= 0 {
		return fmt.Errorf("max_session_hours must be positive, got %g", p.MaxSessionHours)
	}
	if p.PauseAfterMinutes <= 0 {
		return fmt.Errorf("pause_after_minutes must be positive, got %d", p.PauseAfterMinutes)
	}
	return nil
}

// InPeak reports whether t falls into any configured peak window.
func (p *Profile) InPeak(t time.Time) bool {
	hour := t.Hour()
	for _, r := range p.PeakHours {
		if r.Contains(hour) {
			return true
		}
	}
	return false
}

// WeightFor returns the category multiplier, 1.0 for categories the profile
// does not mention.
func (p *Profile) WeightFor(category string) float64 {
	if w, ok := p.CategoryWeights[category]; ok {
		return w
	}
	return 1.0
}
