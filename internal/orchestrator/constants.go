// Package orchestrator wires the capture feed through dedupe, parsing,
// scoring, demand tracking, and session accounting, and fans the results
// out to the overlay hub and the store.
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Overlay event channel buffer. The hub drains fast; a full buffer
	// means no overlay is listening and events are dropped, not queued.
	EventBuffer = 64

	// Offer archive prune cadence.
	PruneInterval = time.Hour

	// Grace period for the final flush on shutdown.
	ShutdownTimeout = 5 * time.Second
)
