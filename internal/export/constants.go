package export

import "time"

const (
	// DefaultInterval is how often the exporter ticks.
	DefaultInterval = 15 * time.Minute

	// DefaultStatsDays is how many days of daily stats each push carries.
	DefaultStatsDays = 7

	// DefaultSessionLimit caps finished sessions per push.
	DefaultSessionLimit = 50

	// requestTimeout bounds a single HTTP push.
	requestTimeout = 30 * time.Second

	// errorBodyLimit is how much of an error response body makes it into
	// the returned error.
	errorBodyLimit = 512

	dateLayout = "2006-01-02"
)
