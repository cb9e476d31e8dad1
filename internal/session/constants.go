package session

import "time"

const (
	// DefaultAcceptWindow is how long after an offer was observed a trip
	// accepted event still links back to it.
	DefaultAcceptWindow = 2 * time.Minute

	// minRateHours floors the elapsed time used for hourly rates, so a
	// session a few seconds old does not report absurd numbers.
	minRateHours = 1.0 / 60

	dateLayout = "2006-01-02"
)
