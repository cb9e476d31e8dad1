package capture

import (
	"bytes"
	"image"
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder
	"log/slog"
	"sync"

	"github.com/corona10/goimagehash"
)

// frameState remembers the last observation per source app.
type frameState struct {
	hash *goimagehash.ImageHash
	text string
}

// Deduper suppresses re-renders of the same offer card. Events with a
// snapshot are compared by perceptual hash; an image within MaxHashDistance
// of the previous frame for the same app is a re-render, not a new offer.
// Text-only events fall back to exact comparison.
type Deduper struct {
	mu          sync.Mutex
	maxDistance int
	last        map[string]*frameState
}

// NewDeduper creates a deduper with the default distance threshold.
func NewDeduper() *Deduper {
	return &Deduper{
		maxDistance: MaxHashDistance,
		last:        make(map[string]*frameState),
	}
}

// IsDuplicate reports whether e repeats the previous observation for its
// app. A fresh observation replaces the remembered state.
func (d *Deduper) IsDuplicate(e *Event) bool {
	hash := d.hashImage(e.Image)

	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.last[e.AppID]
	if st == nil {
		d.last[e.AppID] = &frameState{hash: hash, text: e.Text}
		return false
	}

	if hash != nil && st.hash != nil {
		dist, err := st.hash.Distance(hash)
		if err == nil {
			if dist <= d.maxDistance {
				slog.Debug("skipping re-rendered frame", "app", e.AppID, "distance", dist)
				return true
			}
			st.hash = hash
			st.text = e.Text
			return false
		}
	}

	if hash == nil && e.Text != "" && e.Text == st.text {
		slog.Debug("skipping repeated text", "app", e.AppID)
		return true
	}

	st.hash = hash
	st.text = e.Text
	return false
}

// Reset drops remembered state for one app, e.g. when it leaves the
// foreground.
func (d *Deduper) Reset(appID string) {
	d.mu.Lock()
	delete(d.last, appID)
	d.mu.Unlock()
}

// Clear drops all remembered state.
func (d *Deduper) Clear() {
	d.mu.Lock()
	d.last = make(map[string]*frameState)
	d.mu.Unlock()
}

// hashImage decodes and hashes a snapshot. Undecodable or missing images
// yield nil, which routes the event to text comparison.
func (d *Deduper) hashImage(data []byte) *goimagehash.ImageHash {
	if len(data) == 0 {
		return nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Debug("snapshot decode failed, falling back to text", "error", err)
		return nil
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil
	}
	return hash
}
