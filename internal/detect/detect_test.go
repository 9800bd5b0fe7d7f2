package detect

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"
)

func TestValidateConfidence(t *testing.T) {
	for _, v := range []float64{0, 0.05, 0.5, 1} {
		if err := ValidateConfidence(v); err != nil {
			t.Errorf("ValidateConfidence(%v) = %v", v, err)
		}
	}
	for _, v := range []float64{-0.01, 1.01, math.NaN(), math.Inf(1)} {
		if err := ValidateConfidence(v); err == nil {
			t.Errorf("ValidateConfidence(%v) accepted", v)
		}
	}
}

func TestFilters(t *testing.T) {
	dets := []Detection{
		{ClassName: "Hardhat", Confidence: 0.9, Box: image.Rect(0, 0, 10, 10)},
		{ClassName: "NO-Hardhat", Confidence: 0.4, Box: image.Rect(0, 0, 2, 2)},
		{ClassName: "Person", Confidence: 0.6, Box: image.Rect(0, 0, 20, 40)},
	}

	if got := ScoreFilter(0.5)(dets); len(got) != 2 {
		t.Fatalf("ScoreFilter kept %d", len(got))
	}
	if got := ClassFilter("Person")(dets); len(got) != 1 || got[0].ClassName != "Person" {
		t.Fatalf("ClassFilter = %+v", got)
	}
	if got := ClassFilter()(dets); len(got) != 3 {
		t.Fatalf("empty ClassFilter dropped detections")
	}
	if got := AreaFilter(50)(dets); len(got) != 2 {
		t.Fatalf("AreaFilter kept %d", len(got))
	}
	if got := Chain(ScoreFilter(0.5), AreaFilter(200))(dets); len(got) != 1 || got[0].ClassName != "Person" {
		t.Fatalf("Chain = %+v", got)
	}
}

func TestFilteredDetector(t *testing.T) {
	base := DetectorFunc(func(ctx context.Context, img image.Image, opts Options) (*Result, error) {
		return &Result{Detections: []Detection{
			{ClassName: "Mask", Confidence: 0.8},
			{ClassName: "Person", Confidence: 0.8},
		}}, nil
	})

	res, err := Filtered(base, ClassFilter("Mask")).Detect(context.Background(), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Detections) != 1 {
		t.Fatalf("got %d detections", len(res.Detections))
	}

	failing := DetectorFunc(func(context.Context, image.Image, Options) (*Result, error) {
		return nil, errors.New("model offline")
	})
	if _, err := Filtered(failing, ScoreFilter(0)).Detect(context.Background(), nil, Options{}); err == nil {
		t.Fatal("error swallowed")
	}

	empty := DetectorFunc(func(context.Context, image.Image, Options) (*Result, error) {
		return nil, nil
	})
	if res, err := Filtered(empty, ClassFilter("Mask")).Detect(context.Background(), nil, Options{}); res != nil || err != nil {
		t.Fatalf("nil result = %v, %v", res, err)
	}
}

type closingDetector struct {
	DetectorFunc
	closed bool
}

func (c *closingDetector) Close() error {
	c.closed = true
	return nil
}

func TestFilteredForwardsClose(t *testing.T) {
	inner := &closingDetector{}
	det := Filtered(inner, AreaFilter(4))
	c, ok := det.(Closer)
	if !ok {
		t.Fatal("filtered detector lost Close")
	}
	if err := c.Close(); err != nil || !inner.closed {
		t.Fatalf("Close = %v, closed = %v", err, inner.closed)
	}
	if Filtered(inner) != Detector(inner) {
		t.Fatal("Filtered without postprocessors should return det")
	}
}

func TestCountByClassAndClamp(t *testing.T) {
	r := &Result{Detections: []Detection{{ClassName: "Mask"}, {ClassName: "Mask"}, {ClassName: "Person"}}}
	counts := r.CountByClass()
	if counts["Mask"] != 2 || counts["Person"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	var nilResult *Result
	if len(nilResult.CountByClass()) != 0 {
		t.Fatal("nil result counted detections")
	}

	got := ClampBox(image.Rect(90, -5, 120, 30), 100, 100)
	if got != image.Rect(90, 0, 100, 30) {
		t.Fatalf("ClampBox = %v", got)
	}
}
