package orchestrator

import (
	"github.com/farepilot/farepilot/internal/advisor"
	"github.com/farepilot/farepilot/internal/demand"
	"github.com/farepilot/farepilot/internal/offer"
	"github.com/farepilot/farepilot/internal/score"
	"github.com/farepilot/farepilot/internal/session"
)

// EventType discriminates overlay events.
type EventType string

const (
	EventOffer   EventType = "offer"
	EventDemand  EventType = "demand"
	EventAdvice  EventType = "advice"
	EventSession EventType = "session"
)

// OfferUpdate pairs a parsed offer with its scorecard.
type OfferUpdate struct {
	Offer offer.Offer     `json:"offer"`
	Card  score.Scorecard `json:"card"`
}

// Event is one update for the overlay hub. Exactly one payload field is
// set, matching Type.
type Event struct {
	Type    EventType         `json:"type"`
	Offer   *OfferUpdate      `json:"offer,omitempty"`
	Demand  *demand.Snapshot  `json:"demand,omitempty"`
	Advice  *advisor.Advice   `json:"advice,omitempty"`
	Session *session.Snapshot `json:"session,omitempty"`
}

// Stats are the pipeline drop counters, surfaced on the health endpoint.
type Stats struct {
	EventsHandled   int64 `json:"events_handled"`
	FramesDeduped   int64 `json:"frames_deduped"`
	OffersScored    int64 `json:"offers_scored"`
	OffersRepeated  int64 `json:"offers_repeated"`
	ParseFailures   int64 `json:"parse_failures"`
	EventsDropped   int64 `json:"events_dropped"`
	InvalidPayloads int64 `json:"invalid_payloads"`
}
