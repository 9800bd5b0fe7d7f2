package model

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/dj-oyu/ppe-detection-app/internal/config"
	"github.com/dj-oyu/ppe-detection-app/internal/detect"
)

type closingDetector struct {
	closed atomic.Bool
}

func (d *closingDetector) Detect(context.Context, image.Image, detect.Options) (*detect.Result, error) {
	return &detect.Result{}, nil
}

func (d *closingDetector) Close() error {
	d.closed.Store(true)
	return nil
}

func init() {
	Register("test-fake", func(ctx context.Context, cfg config.ModelConfig) (detect.Detector, error) {
		if err := CheckReadable(cfg.Path); err != nil {
			return nil, err
		}
		return &closingDetector{}, nil
	})
}

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "best.onnx")
	if err := os.WriteFile(path, []byte("onnx"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.ModelConfig{Backend: "tflite"})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("err = %v, want ErrUnknownBackend", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Register did not panic")
		}
	}()
	Register("test-fake", func(context.Context, config.ModelConfig) (detect.Detector, error) { return nil, nil })
}

func TestCheckReadable(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		path string
		ok   bool
	}{
		{"regular file", writeModel(t), true},
		{"missing", filepath.Join(dir, "missing.onnx"), false},
		{"directory", dir, false},
		{"empty path", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckReadable(tc.path)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrModelUnreadable) {
				t.Fatalf("err = %v, want ErrModelUnreadable", err)
			}
		})
	}
}

func TestCacheLoadsOnce(t *testing.T) {
	var opens atomic.Int32
	c := NewCache()
	c.open = func(ctx context.Context, cfg config.ModelConfig) (detect.Detector, error) {
		opens.Add(1)
		return Open(ctx, cfg)
	}

	cfg := config.ModelConfig{Backend: "test-fake", Path: writeModel(t)}
	first, err := c.Load(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Load(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("cache returned a different detector")
	}
	if opens.Load() != 1 {
		t.Fatalf("opened %d times", opens.Load())
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !first.(*closingDetector).closed.Load() {
		t.Fatal("Close did not release detector")
	}
	if c.Len() != 0 {
		t.Fatalf("cache still holds %d entries", c.Len())
	}
}

func TestCacheDoesNotKeepFailures(t *testing.T) {
	c := NewCache()
	cfg := config.ModelConfig{Backend: "test-fake", Path: filepath.Join(t.TempDir(), "best.onnx")}

	if _, err := c.Load(context.Background(), cfg); !errors.Is(err, ErrModelUnreadable) {
		t.Fatalf("err = %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("failed load was cached")
	}

	if err := os.WriteFile(cfg.Path, []byte("onnx"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Load(context.Background(), cfg); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestCacheAppliesResultFilters(t *testing.T) {
	c := NewCache()
	c.open = func(context.Context, config.ModelConfig) (detect.Detector, error) {
		return detect.DetectorFunc(func(context.Context, image.Image, detect.Options) (*detect.Result, error) {
			return &detect.Result{Detections: []detect.Detection{
				{ClassName: "NO-Hardhat", Confidence: 0.8, Box: image.Rect(0, 0, 10, 10)},
				{ClassName: "NO-Hardhat", Confidence: 0.8, Box: image.Rect(0, 0, 2, 2)},
				{ClassName: "Person", Confidence: 0.9, Box: image.Rect(0, 0, 20, 20)},
			}}, nil
		}), nil
	}

	cfg := config.ModelConfig{Backend: "test-fake", ShowClasses: []string{"NO-Hardhat"}, MinBoxArea: 16}
	det, err := c.Load(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := det.Detect(context.Background(), nil, detect.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Detections) != 1 || res.Detections[0].Box.Dx() != 10 {
		t.Fatalf("filtered detections = %+v", res.Detections)
	}

	if got := Postprocessors(config.ModelConfig{}); len(got) != 0 {
		t.Fatalf("no filters configured, got %d", len(got))
	}
}
