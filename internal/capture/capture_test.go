package capture

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/farepilot/farepilot/internal/errors"
)

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		wantCode errors.Code
	}{
		{"screen with text", Event{Kind: KindScreen, AppID: "uber", Text: "R$ 18,50"}, ""},
		{"screen with image", Event{Kind: KindScreen, AppID: "uber", Image: []byte{0xFF}}, ""},
		{"screen missing app", Event{Kind: KindScreen, Text: "R$ 18,50"}, errors.CodeFeedEmptyEvent},
		{"screen empty", Event{Kind: KindScreen, AppID: "uber"}, errors.CodeFeedEmptyEvent},
		{"trip accepted", Event{Kind: KindTrip, Phase: TripAccepted}, ""},
		{"trip completed", Event{Kind: KindTrip, Phase: TripCompleted}, ""},
		{"trip bad phase", Event{Kind: KindTrip, Phase: "paused"}, errors.CodeFeedUnknownKind},
		{"lifecycle hello", Event{Kind: KindLifecycle, State: AgentHello}, ""},
		{"lifecycle bad state", Event{Kind: KindLifecycle, State: "sleeping"}, errors.CodeFeedUnknownKind},
		{"unknown kind", Event{Kind: "audio"}, errors.CodeFeedUnknownKind},
		{"empty kind", Event{}, errors.CodeFeedUnknownKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantCode == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if got := errors.CodeOf(err); got != tt.wantCode {
				t.Errorf("CodeOf = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestClampedTime(t *testing.T) {
	now := time.Date(2025, 6, 10, 18, 30, 0, 0, time.UTC)
	skew := 2 * time.Minute

	tests := []struct {
		name string
		ms   int64
		want time.Time
	}{
		{"missing timestamp", 0, now},
		{"negative timestamp", -5, now},
		{"past kept", now.Add(-10 * time.Minute).UnixMilli(), now.Add(-10 * time.Minute)},
		{"small future kept", now.Add(time.Minute).UnixMilli(), now.Add(time.Minute)},
		{"beyond skew clamped", now.Add(10 * time.Minute).UnixMilli(), now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Event{Kind: KindScreen, ObservedAtMS: tt.ms}
			got := e.ClampedTime(now, skew)
			if !got.Equal(tt.want) {
				t.Errorf("ClampedTime = %v, want %v", got, tt.want)
			}
		})
	}
}

// makePatternJPEG creates test images with distinct patterns for pHash testing.
func makePatternJPEG(pattern int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			var c color.RGBA
			switch pattern {
			case 0: // solid gray
				c = color.RGBA{R: 128, G: 128, B: 128, A: 255}
			case 1: // checkerboard - visually distinct
				if (x/8+y/8)%2 == 0 {
					c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
				} else {
					c = color.RGBA{R: 0, G: 0, B: 0, A: 255}
				}
			case 2: // horizontal gradient - different frequency content
				c = color.RGBA{R: uint8(x * 4), G: 0, B: uint8(255 - x*4), A: 255}
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, nil)
	return buf.Bytes()
}

func TestDeduperFirstFrame(t *testing.T) {
	d := NewDeduper()
	e := &Event{Kind: KindScreen, AppID: "uber", Image: makePatternJPEG(0)}

	if d.IsDuplicate(e) {
		t.Error("first frame should not be a duplicate")
	}
}

func TestDeduperIdenticalFrames(t *testing.T) {
	d := NewDeduper()
	img := makePatternJPEG(0)

	d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: img})
	if !d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: img}) {
		t.Error("identical frames should be duplicates")
	}
}

func TestDeduperDistinctFrames(t *testing.T) {
	d := NewDeduper()

	d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: makePatternJPEG(1)})
	if d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: makePatternJPEG(2)}) {
		t.Error("visually distinct frames should not be duplicates")
	}
}

func TestDeduperPerApp(t *testing.T) {
	d := NewDeduper()
	img := makePatternJPEG(0)

	if d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: img}) {
		t.Error("first uber frame should not be a duplicate")
	}
	if d.IsDuplicate(&Event{Kind: KindScreen, AppID: "99", Image: img}) {
		t.Error("first 99 frame should not be a duplicate, state is per app")
	}
	if !d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: img}) {
		t.Error("second uber frame should be a duplicate")
	}
}

func TestDeduperTextFallback(t *testing.T) {
	d := NewDeduper()

	if d.IsDuplicate(&Event{Kind: KindScreen, AppID: "99", Text: "R$ 14,20 2,1 km"}) {
		t.Error("first text should not be a duplicate")
	}
	if !d.IsDuplicate(&Event{Kind: KindScreen, AppID: "99", Text: "R$ 14,20 2,1 km"}) {
		t.Error("repeated text should be a duplicate")
	}
	if d.IsDuplicate(&Event{Kind: KindScreen, AppID: "99", Text: "R$ 22,00 5,4 km"}) {
		t.Error("new text should not be a duplicate")
	}
}

func TestDeduperUndecodableImageFallsBackToText(t *testing.T) {
	d := NewDeduper()
	junk := []byte{0x00, 0x01, 0x02, 0x03}

	d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: junk, Text: "offer A"})
	if !d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: junk, Text: "offer A"}) {
		t.Error("same text with undecodable images should be a duplicate")
	}
	if d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: junk, Text: "offer B"}) {
		t.Error("new text with undecodable image should not be a duplicate")
	}
}

func TestDeduperReset(t *testing.T) {
	d := NewDeduper()
	img := makePatternJPEG(0)

	d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: img})
	d.Reset("uber")
	if d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: img}) {
		t.Error("frame after reset should not be a duplicate")
	}

	d.Clear()
	if d.IsDuplicate(&Event{Kind: KindScreen, AppID: "uber", Image: img}) {
		t.Error("frame after clear should not be a duplicate")
	}
}
