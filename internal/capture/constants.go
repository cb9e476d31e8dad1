// Package capture defines the events the capture agent streams in and the
// frame dedupe that sits in front of offer parsing.
package capture

// Frame dedupe constants
const (
	// Maximum pHash Hamming distance for two frames to count as the same
	// offer card being re-rendered
	MaxHashDistance = 5
)
