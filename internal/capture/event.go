package capture

import (
	"time"

	"github.com/farepilot/farepilot/internal/errors"
)

// Kind classifies feed events.
type Kind string

const (
	KindScreen    Kind = "screen"
	KindTrip      Kind = "trip"
	KindLifecycle Kind = "lifecycle"
)

// TripPhase is the stage a trip event reports.
type TripPhase string

const (
	TripAccepted  TripPhase = "accepted"
	TripStarted   TripPhase = "started"
	TripCompleted TripPhase = "completed"
	TripCanceled  TripPhase = "canceled"
)

// AgentState is what a lifecycle event reports about the agent.
type AgentState string

const (
	AgentHello      AgentState = "hello"
	AgentBye        AgentState = "bye"
	AgentForeground AgentState = "foreground"
)

// Event is one observation from the capture agent. Screen events carry the
// flattened text of a visible offer card and optionally a JPEG or PNG
// snapshot of it. Trip events report trip phase changes. Lifecycle events
// report agent state.
type Event struct {
	Kind  Kind   `json:"kind"`
	AppID string `json:"app_id,omitempty"`

	// Screen fields
	Text  string `json:"text,omitempty"`
	Image []byte `json:"image,omitempty"`

	// Trip fields
	Phase     TripPhase `json:"phase,omitempty"`
	FareCents int64     `json:"fare_cents,omitempty"`

	// Lifecycle fields
	State AgentState `json:"state,omitempty"`

	// Agent clock, epoch milliseconds. Mobile agents report their own
	// clock, which can drift.
	ObservedAtMS int64 `json:"observed_at_ms,omitempty"`
}

// Validate rejects events the pipeline cannot act on.
func (e *Event) Validate() error {
	switch e.Kind {
	case KindScreen:
		if e.AppID == "" {
			return errors.New(errors.CodeFeedEmptyEvent, "screen event missing app id")
		}
		if e.Text == "" && len(e.Image) == 0 {
			return errors.New(errors.CodeFeedEmptyEvent, "screen event has no text and no image")
		}
	case KindTrip:
		switch e.Phase {
		case TripAccepted, TripStarted, TripCompleted, TripCanceled:
		default:
			return errors.Newf(errors.CodeFeedUnknownKind, "unknown trip phase %q", e.Phase)
		}
	case KindLifecycle:
		switch e.State {
		case AgentHello, AgentBye, AgentForeground:
		default:
			return errors.Newf(errors.CodeFeedUnknownKind, "unknown agent state %q", e.State)
		}
	default:
		return errors.Newf(errors.CodeFeedUnknownKind, "unknown event kind %q", e.Kind)
	}
	return nil
}

// ClampedTime converts the agent timestamp to daemon time. A missing
// timestamp or one more than maxSkew in the future collapses to now;
// past timestamps are trusted as-is.
func (e *Event) ClampedTime(now time.Time, maxSkew time.Duration) time.Time {
	if e.ObservedAtMS <= 0 {
		return now
	}
	at := time.UnixMilli(e.ObservedAtMS)
	if at.After(now.Add(maxSkew)) {
		return now
	}
	return at
}
