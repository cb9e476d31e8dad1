// Package offer models ride offers and parses them out of captured screen
// text.
package offer

// Parsing constants
const (
	// How much of the captured card text is kept on the offer for
	// debugging and replay
	MaxRawTextLen = 280

	// Miles to kilometers
	KmPerMile = 1.60934

	// Distances are rounded to this many decimal places before they
	// enter the fingerprint, so GPS jitter does not break dedupe
	FingerprintKmPrecision = 1
)

// Category names normalized across platforms
const (
	CategoryUnknown = "unknown"
	CategoryUberX   = "uberx"
	CategoryComfort = "comfort"
	CategoryBlack   = "black"
	CategoryPop     = "pop"
	CategoryMoto    = "moto"
	CategoryTaxi    = "taxi"
	CategoryFlash   = "flash"
	CategoryEconomy = "economy"
)
