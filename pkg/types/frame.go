package types

import (
	"image"
	"time"

	"github.com/dj-oyu/ppe-detection-app/internal/detect"
)

// Frame is one annotated image or video frame with its detections
type Frame struct {
	Image     *image.RGBA    // Annotated pixels
	JPEG      []byte         // Encoded Image, shared by all stream clients
	Result    *detect.Result // Detections that produced the overlay
	FrameNum  uint64         // Sequential frame number (0 for images)
	Timestamp time.Time      // Time the frame was decoded
	PTS       time.Duration  // Position in the source video
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}
