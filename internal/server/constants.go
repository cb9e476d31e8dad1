// Package server provides the HTTP and WebSocket surface
package server

import "time"

// Server configuration constants
const (
	// Per-connection feed rate limiting (sliding window). A capture agent
	// at normal screen-refresh cadence stays far under this.
	FeedRateLimitEvents = 30
	FeedRateLimitWindow = time.Second

	// Overlay pushes that cannot complete within this are abandoned; a
	// stuck overlay must not pin write goroutines.
	OverlayWriteTimeout = 5 * time.Second

	// Stats query bounds
	DefaultStatsDays = 7
	MaxStatsDays     = 90
)

const dateLayout = "2006-01-02"
