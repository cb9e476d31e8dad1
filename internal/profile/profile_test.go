package profile

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v, want nil", err)
	}
}

func TestParsePartialKeepsDefaults(t *testing.T) {
	data := []byte("min_per_km_cents: 150\naccept_score: 80\n")

	p, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if p.MinPerKmCents != 150 {
		t.Errorf("MinPerKmCents = %d, want 150", p.MinPerKmCents)
	}
	if p.AcceptScore != 80 {
		t.Errorf("AcceptScore = %g, want 80", p.AcceptScore)
	}
	// Untouched fields keep their defaults.
	if p.GoodPerKmCents != 200 {
		t.Errorf("GoodPerKmCents = %d, want default 200", p.GoodPerKmCents)
	}
	if p.Locale != "pt-BR" {
		t.Errorf("Locale = %q, want default pt-BR", p.Locale)
	}
	if len(p.PeakHours) != 2 {
		t.Errorf("PeakHours = %v, want default two ranges", p.PeakHours)
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("min_per_km_cents: [not a number")); err == nil {
		t.Error("Parse() = nil error, want failure on broken yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Profile)
		wantErr string
	}{
		{"zero min per km", func(p *Profile) { p.MinPerKmCents = 0 }, "min_per_km_cents"},
		{"good below min", func(p *Profile) { p.GoodPerKmCents = 100 }, "good_per_km_cents"},
		{"zero max pickup", func(p *Profile) { p.MaxPickupKm = 0 }, "max_pickup_km"},
		{"negative pickup penalty", func(p *Profile) { p.PickupPenaltyPerKm = -1 }, "pickup_penalty_per_km"},
		{"negative min fare", func(p *Profile) { p.MinFareCents = -100 }, "min_fare_cents"},
		{"bad peak range", func(p *Profile) { p.PeakHours = []HourRange{{From: 25, To: 26}} }, "peak hour"},
		{"empty peak range", func(p *Profile) { p.PeakHours = []HourRange{{From: 7, To: 7}} }, "peak hour"},
		{"zero category weight", func(p *Profile) { p.CategoryWeights["moto"] = 0 }, "category weight"},
		{"accept below consider", func(p *Profile) { p.AcceptScore = 40 }, "accept_score"},
		{"accept above 100", func(p *Profile) { p.AcceptScore = 120 }, "score bands"},
		{"zero target", func(p *Profile) { p.TargetHourlyCents = 0 }, "target_hourly_cents"},
		{"zero session hours", func(p *Profile) { p.MaxSessionHours = 0 }, "max_session_hours"},
		{"zero pause after", func(p *Profile) { p.PauseAfterMinutes = 0 }, "pause_after_minutes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(p)
			err := p.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestHourRangeContains(t *testing.T) {
	day := HourRange{From: 7, To: 9}
	for hour, want := range map[int]bool{6: false, 7: true, 8: true, 9: false} {
		if got := day.Contains(hour); got != want {
			t.Errorf("HourRange{7,9}.Contains(%d) = %v, want %v", hour, got, want)
		}
	}

	overnight := HourRange{From: 22, To: 2}
	for hour, want := range map[int]bool{21: false, 22: true, 23: true, 0: true, 1: true, 2: false} {
		if got := overnight.Contains(hour); got != want {
			t.Errorf("HourRange{22,2}.Contains(%d) = %v, want %v", hour, got, want)
		}
	}
}

func TestInPeak(t *testing.T) {
	p := Default()

	morning := time.Date(2025, 6, 10, 8, 15, 0, 0, time.Local)
	if !p.InPeak(morning) {
		t.Error("8:15 should be inside the 7-9 peak")
	}
	evening := time.Date(2025, 6, 10, 18, 0, 0, 0, time.Local)
	if !p.InPeak(evening) {
		t.Error("18:00 should be inside the 17-20 peak")
	}
	midday := time.Date(2025, 6, 10, 13, 0, 0, 0, time.Local)
	if p.InPeak(midday) {
		t.Error("13:00 should not be a peak hour")
	}
}

func TestWeightFor(t *testing.T) {
	p := Default()

	if got := p.WeightFor("comfort"); got != 1.1 {
		t.Errorf("WeightFor(comfort) = %g, want 1.1", got)
	}
	if got := p.WeightFor("unknown"); got != 0.85 {
		t.Errorf("WeightFor(unknown) = %g, want 0.85", got)
	}
	if got := p.WeightFor("uberx"); got != 1.0 {
		t.Errorf("WeightFor(uberx) = %g, want neutral 1.0 for unlisted category", got)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	p := Default()
	p.MinPerKmCents = 135
	p.RuleScript = "/etc/farepilot/rules.lua"

	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.MinPerKmCents != 135 {
		t.Errorf("MinPerKmCents = %d, want 135", got.MinPerKmCents)
	}
	if got.RuleScript != "/etc/farepilot/rules.lua" {
		t.Errorf("RuleScript = %q, want preserved", got.RuleScript)
	}
}
