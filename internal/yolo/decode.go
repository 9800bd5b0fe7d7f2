package yolo

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/dj-oyu/ppe-detection-app/internal/detect"
)

// Decode parses a YOLOv8 output tensor of shape [1, 4+len(classes), anchors].
// Each anchor contributes at most one detection: its best class, if that
// score reaches conf. Boxes are mapped back through g and clipped to the frame.
func Decode(output []float32, classes []string, conf float64, g Geometry) ([]detect.Detection, error) {
	nc := len(classes)
	if nc == 0 {
		return nil, fmt.Errorf("no class names")
	}
	rows := 4 + nc
	if len(output) == 0 || len(output)%rows != 0 {
		return nil, fmt.Errorf("output length %d is not a multiple of %d", len(output), rows)
	}
	anchors := len(output) / rows

	var dets []detect.Detection
	for i := 0; i < anchors; i++ {
		best, score := 0, float32(-1)
		for c := 0; c < nc; c++ {
			if s := output[(4+c)*anchors+i]; s > score {
				best, score = c, s
			}
		}
		if float64(score) < conf {
			continue
		}

		cx, cy := float64(output[i]), float64(output[anchors+i])
		w, h := float64(output[2*anchors+i]), float64(output[3*anchors+i])
		x1, y1 := g.ToSource(cx-w/2, cy-h/2)
		x2, y2 := g.ToSource(cx+w/2, cy+h/2)

		box := detect.ClampBox(image.Rect(
			int(math.Round(x1)), int(math.Round(y1)),
			int(math.Round(x2)), int(math.Round(y2)),
		), g.SrcW, g.SrcH)
		if box.Empty() {
			continue
		}

		dets = append(dets, detect.Detection{
			ClassID:    best,
			ClassName:  classes[best],
			Confidence: clamp01(float64(score)),
			Box:        box,
		})
	}
	return dets, nil
}

// NMS applies per-class greedy non-maximum suppression. A box is dropped
// when its IoU with a higher-scored box of the same class exceeds iou.
func NMS(dets []detect.Detection, iou float64) []detect.Detection {
	sorted := make([]detect.Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]detect.Detection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i, d := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, d)
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != d.ClassID {
				continue
			}
			if IoU(d.Box, sorted[j].Box) > iou {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - ia
	if union <= 0 {
		return 0
	}
	return ia / union
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
