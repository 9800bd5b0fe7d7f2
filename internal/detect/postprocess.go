package detect

import (
	"context"
	"image"
)

// Postprocessor filters or modifies the detections of one result.
type Postprocessor func([]Detection) []Detection

// ScoreFilter drops detections below conf.
func ScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Confidence >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// ClassFilter keeps only the named classes. With no names it keeps all.
func ClassFilter(names ...string) Postprocessor {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	return func(in []Detection) []Detection {
		if len(keep) == 0 {
			return in
		}
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if keep[d.ClassName] {
				out = append(out, d)
			}
		}
		return out
	}
}

// AreaFilter drops boxes smaller than area pixels.
func AreaFilter(area int) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Box.Dx()*d.Box.Dy() >= area {
				out = append(out, d)
			}
		}
		return out
	}
}

// Chain applies each postprocessor in order.
func Chain(post ...Postprocessor) Postprocessor {
	return func(in []Detection) []Detection {
		for _, p := range post {
			in = p(in)
		}
		return in
	}
}

// Filtered wraps det so every result passes through post. The wrapper
// forwards Close when det implements Closer.
func Filtered(det Detector, post ...Postprocessor) Detector {
	if len(post) == 0 {
		return det
	}
	return &filtered{det: det, chain: Chain(post...)}
}

type filtered struct {
	det   Detector
	chain Postprocessor
}

func (f *filtered) Detect(ctx context.Context, img image.Image, opts Options) (*Result, error) {
	res, err := f.det.Detect(ctx, img, opts)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	res.Detections = f.chain(res.Detections)
	return res, nil
}

func (f *filtered) Close() error {
	if c, ok := f.det.(Closer); ok {
		return c.Close()
	}
	return nil
}
