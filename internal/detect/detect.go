// Package detect holds the detection types shared by every model backend.
package detect

import (
	"context"
	"fmt"
	"image"
	"math"
)

// Detection is one labeled bounding box in frame pixel coordinates.
type Detection struct {
	ClassID    int             `json:"class_id"`
	ClassName  string          `json:"class_name"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"-"`
}

// Result holds the detections of exactly one image or frame.
type Result struct {
	FrameIndex int         `json:"frame_index"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []Detection `json:"detections"`
}

// Options are the per-call detection parameters.
type Options struct {
	// Confidence is the minimum score for a detection to be kept.
	Confidence float64
}

// Detector runs a model over one image.
type Detector interface {
	Detect(ctx context.Context, img image.Image, opts Options) (*Result, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, img image.Image, opts Options) (*Result, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context, img image.Image, opts Options) (*Result, error) {
	return f(ctx, img, opts)
}

// Closer is implemented by detectors that hold native resources.
type Closer interface {
	Close() error
}

// ValidateConfidence rejects thresholds outside [0, 1].
func ValidateConfidence(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", v)
	}
	return nil
}

// CountByClass tallies detections per class name.
func (r *Result) CountByClass() map[string]int {
	counts := make(map[string]int)
	if r == nil {
		return counts
	}
	for _, d := range r.Detections {
		counts[d.ClassName]++
	}
	return counts
}

// ClampBox clips r to the frame described by w and h.
func ClampBox(r image.Rectangle, w, h int) image.Rectangle {
	return r.Canon().Intersect(image.Rect(0, 0, w, h))
}
