// Package pipeline glues upload, inference and rendering together.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dj-oyu/ppe-detection-app/internal/detect"
	"github.com/dj-oyu/ppe-detection-app/internal/logger"
	"github.com/dj-oyu/ppe-detection-app/internal/media"
	"github.com/dj-oyu/ppe-detection-app/internal/metrics"
	"github.com/dj-oyu/ppe-detection-app/internal/render"
	"github.com/dj-oyu/ppe-detection-app/internal/video"
	"github.com/dj-oyu/ppe-detection-app/pkg/types"
)

var (
	// ErrDecode marks uploads whose content could not be decoded.
	ErrDecode = errors.New("cannot decode upload")
	// ErrInvalidConfidence marks thresholds outside [0, 1].
	ErrInvalidConfidence = errors.New("invalid confidence")
)

// Pipeline runs uploads through the detector and the annotator.
type Pipeline struct {
	Detector  detect.Detector
	Annotator render.Annotator
	Videos    video.Opener
	Metrics   *metrics.Metrics

	TempDir       string
	KeepTempFiles bool
	JPEGQuality   int
}

// ImageOutput is the processed image branch.
type ImageOutput struct {
	Frame     *types.Frame
	Inference time.Duration
}

// VideoSummary describes a processed video.
type VideoSummary struct {
	Frames     int            `json:"frames"`
	Detections int            `json:"detections"`
	PerClass   map[string]int `json:"per_class"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	FPS        float64        `json:"fps"`
	Duration   time.Duration  `json:"-"`
	DurationMS int64          `json:"duration_ms"`
}

func (p *Pipeline) quality() int {
	if p.JPEGQuality <= 0 {
		return 85
	}
	return p.JPEGQuality
}

var unregistered = sync.OnceValue(metrics.New)

func (p *Pipeline) stats() *metrics.Metrics {
	if p.Metrics == nil {
		return unregistered()
	}
	return p.Metrics
}

func checkConfidence(conf float64) error {
	if err := detect.ValidateConfidence(conf); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfidence, err)
	}
	return nil
}

// runDetector runs exactly one detection call and records its metrics.
func (p *Pipeline) runDetector(ctx context.Context, img image.Image, conf float64, index int) (*detect.Result, error) {
	m := p.stats()
	start := time.Now()
	res, err := p.Detector.Detect(ctx, img, detect.Options{Confidence: conf})
	if err != nil {
		m.InferenceErrors.Add(1)
		return nil, fmt.Errorf("detect frame %d: %w", index, err)
	}
	if res == nil {
		res = &detect.Result{}
	}
	b := img.Bounds()
	res.FrameIndex = index
	res.Width, res.Height = b.Dx(), b.Dy()
	m.ObserveInference(time.Since(start), res.CountByClass())
	return res, nil
}

// ProcessImage decodes an image upload, runs one detection call and returns
// the annotated JPEG.
func (p *Pipeline) ProcessImage(ctx context.Context, up media.Upload, conf float64) (*ImageOutput, error) {
	if err := checkConfidence(conf); err != nil {
		return nil, err
	}
	if up.Kind() != media.KindImage {
		return nil, fmt.Errorf("%s: %w", up.Name, media.ErrUnsupported)
	}
	m := p.stats()

	img, err := media.DecodeImage(up)
	if err != nil {
		m.DecodeErrors.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	start := time.Now()
	res, err := p.runDetector(ctx, img, conf, 0)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	annotated := p.Annotator.Annotate(img, res)
	data, err := render.EncodeJPEG(annotated, p.quality())
	if err != nil {
		m.RenderErrors.Add(1)
		return nil, err
	}
	m.ImagesProcessed.Add(1)
	m.FramesRendered.Add(1)

	logger.Info("Pipeline", "Image %s: %d detections in %v (conf=%.2f)",
		up.Name, len(res.Detections), elapsed.Round(time.Millisecond), conf)
	return &ImageOutput{
		Frame: &types.Frame{
			Image:     annotated,
			JPEG:      data,
			Result:    res,
			Timestamp: start,
		},
		Inference: elapsed,
	}, nil
}

// ProcessVideo writes the upload to a temp file, decodes it frame by frame
// and hands every annotated frame to sink, in order. It stops early when ctx
// is cancelled or the sink fails.
func (p *Pipeline) ProcessVideo(ctx context.Context, up media.Upload, conf float64, sink FrameSink) (*VideoSummary, error) {
	if err := checkConfidence(conf); err != nil {
		return nil, err
	}
	if up.Kind() != media.KindVideo {
		return nil, fmt.Errorf("%s: %w", up.Name, media.ErrUnsupported)
	}
	if p.Videos == nil {
		return nil, errors.New("no video decoder configured")
	}
	m := p.stats()

	path, err := p.writeTemp(up)
	if err != nil {
		return nil, err
	}
	if !p.KeepTempFiles {
		defer func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("Pipeline", "Failed to remove %s: %v", path, err)
			}
		}()
	}

	dec, err := p.Videos.Open(ctx, path)
	if err != nil {
		m.DecodeErrors.Add(1)
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, up.Name, err)
	}
	defer dec.Close()

	info := dec.Info()
	summary := &VideoSummary{
		PerClass: make(map[string]int),
		Width:    info.Width,
		Height:   info.Height,
		FPS:      info.FPS,
	}
	if err := sink.Begin(info); err != nil {
		return nil, fmt.Errorf("begin sink: %w", err)
	}

	m.ActiveJobs.Add(1)
	defer m.ActiveJobs.Add(-1)

	start := time.Now()
	logger.Info("Pipeline", "Video %s: %dx%d @ %.2f fps, %d frames reported (conf=%.2f)",
		up.Name, info.Width, info.Height, info.FPS, info.Frames, conf)

	runErr := p.runVideo(ctx, dec, conf, sink, summary)
	summary.Duration = time.Since(start)
	summary.DurationMS = summary.Duration.Milliseconds()
	sink.End(summary, runErr)
	if runErr != nil {
		return summary, runErr
	}

	m.VideosProcessed.Add(1)
	logger.Info("Pipeline", "Video %s: %d frames, %d detections in %v",
		up.Name, summary.Frames, summary.Detections, summary.Duration.Round(time.Millisecond))
	return summary, nil
}

func (p *Pipeline) runVideo(ctx context.Context, dec video.Decoder, conf float64, sink FrameSink, summary *VideoSummary) error {
	m := p.stats()
	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			m.DecodeErrors.Add(1)
			return fmt.Errorf("%w: frame %d: %v", ErrDecode, index, err)
		}
		decoded := time.Now()
		m.FramesDecoded.Add(1)

		res, err := p.runDetector(ctx, img, conf, index)
		if err != nil {
			return err
		}
		annotated := p.Annotator.Annotate(img, res)
		data, err := render.EncodeJPEG(annotated, p.quality())
		if err != nil {
			m.RenderErrors.Add(1)
			return err
		}

		frame := &types.Frame{
			Image:     annotated,
			JPEG:      data,
			Result:    res,
			FrameNum:  uint64(index),
			Timestamp: decoded,
			PTS:       pts(index, summary.FPS),
		}
		if err := sink.Frame(ctx, frame); err != nil {
			return fmt.Errorf("frame %d: %w", index, err)
		}
		m.FramesRendered.Add(1)
		m.UpdateFrameLatency(decoded)

		summary.Frames++
		summary.Detections += len(res.Detections)
		for class, n := range res.CountByClass() {
			summary.PerClass[class] += n
		}
	}
}

func pts(index int, fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(index) / fps * float64(time.Second))
}

// writeTemp stores the upload under TempDir, keeping its extension so the
// decoder can sniff the container.
func (p *Pipeline) writeTemp(up media.Upload) (string, error) {
	f, err := os.CreateTemp(p.TempDir, "upload-*."+up.Ext())
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(up.Data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	logger.Debug("Pipeline", "Stored %s at %s (%d bytes)", up.Name, path, len(up.Data))
	return path, nil
}
