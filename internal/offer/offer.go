package offer

import (
	"fmt"
	"hash/fnv"
	"math"
	"time"
)

// Offer is one ride offer observed on a partner app screen. Money is integer
// cents in Currency; distances are kilometers.
type Offer struct {
	ID              string    `json:"id"`
	Platform        string    `json:"platform"`
	Category        string    `json:"category"`
	FareCents       int64     `json:"fare_cents"`
	Currency        string    `json:"currency"`
	TripKm          float64   `json:"trip_km"`
	PickupKm        float64   `json:"pickup_km"`
	PickupMin       int       `json:"pickup_min,omitempty"`
	TripMin         int       `json:"trip_min,omitempty"`
	BonusCents      int64     `json:"bonus_cents,omitempty"`
	SurgeSeen       bool      `json:"surge_seen,omitempty"`
	PassengerRating float64   `json:"passenger_rating,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
	Fingerprint     string    `json:"fingerprint"`
	RawText         string    `json:"raw_text,omitempty"`
}

// PerKmCents is the fare rate over the trip distance, 0 when the trip
// distance is unknown.
func (o *Offer) PerKmCents() int64 {
	if o.TripKm <= 0 {
		return 0
	}
	return int64(math.Round(float64(o.FareCents) / o.TripKm))
}

// TotalKm is pickup plus trip distance.
func (o *Offer) TotalKm() float64 {
	return o.PickupKm + o.TripKm
}

// Fingerprint derives a stable identity for an offer from the fields a
// re-render cannot change. Two observations of the same card within the
// fingerprint TTL collapse into one offer.
func Fingerprint(o Offer) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%.*f|%.*f",
		o.Platform, o.Category, o.FareCents,
		FingerprintKmPrecision, o.PickupKm,
		FingerprintKmPrecision, o.TripKm)
	return fmt.Sprintf("%016x", h.Sum64())
}
