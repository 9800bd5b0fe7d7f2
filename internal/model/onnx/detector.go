// Package onnx runs YOLOv8 models in-process through onnxruntime.
package onnx

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/dj-oyu/ppe-detection-app/internal/config"
	"github.com/dj-oyu/ppe-detection-app/internal/detect"
	"github.com/dj-oyu/ppe-detection-app/internal/logger"
	"github.com/dj-oyu/ppe-detection-app/internal/model"
	"github.com/dj-oyu/ppe-detection-app/internal/yolo"
)

// Backend is the registry name of this package.
const Backend = "onnx"

const (
	inputName  = "images"
	outputName = "output0"
)

func init() {
	model.Register(Backend, Open)
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(lib string) error {
	envOnce.Do(func() {
		if lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Detector owns one onnxruntime session. Run is serialized because the
// input and output tensors are shared.
type Detector struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	size    int
	classes []string
	iou     float64
}

// Anchors returns the number of YOLOv8 predictions for a square input:
// one per cell of the stride 8, 16 and 32 grids.
func Anchors(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		g := size / stride
		n += g * g
	}
	return n
}

// Open loads cfg.Path into a new session.
func Open(ctx context.Context, cfg config.ModelConfig) (detect.Detector, error) {
	if err := model.CheckReadable(cfg.Path); err != nil {
		return nil, err
	}
	if err := initEnvironment(cfg.RuntimeLib); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	size := cfg.InputSize
	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(size), int64(size)), make([]float32, 3*size*size))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(cfg.Classes)), int64(Anchors(size))))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(max(1, runtime.NumCPU()/2)); err != nil {
		logger.Warn("ONNX", "SetIntraOpNumThreads: %v", err)
	}

	session, err := ort.NewAdvancedSession(cfg.Path,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("load %s: %w", cfg.Path, err)
	}

	d := &Detector{
		session: session,
		input:   input,
		output:  output,
		size:    size,
		classes: append([]string(nil), cfg.Classes...),
		iou:     cfg.IOUThreshold,
	}
	if err := d.warmUp(); err != nil {
		d.Close()
		return nil, fmt.Errorf("warm up %s: %w", cfg.Path, err)
	}
	logger.Info("ONNX", "Session ready: %s (input %dx%d, %d classes)", cfg.Path, size, size, len(cfg.Classes))
	return d, nil
}

func (d *Detector) warmUp() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.input.GetData())
	return d.session.Run()
}

// Detect implements detect.Detector.
func (d *Detector) Detect(ctx context.Context, img image.Image, opts detect.Options) (*detect.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tensor, geo := yolo.Letterbox(img, d.size)

	d.mu.Lock()
	copy(d.input.GetData(), tensor)
	err := d.session.Run()
	var out []float32
	if err == nil {
		out = append([]float32(nil), d.output.GetData()...)
	}
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	dets, err := yolo.Decode(out, d.classes, opts.Confidence, geo)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &detect.Result{
		Width:      b.Dx(),
		Height:     b.Dy(),
		Detections: yolo.NMS(dets, d.iou),
	}, nil
}

// Close releases the session and its tensors.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for _, destroy := range []func() error{d.session.Destroy, d.input.Destroy, d.output.Destroy} {
		if err := destroy(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
