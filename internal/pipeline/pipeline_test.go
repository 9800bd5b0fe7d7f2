package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/dj-oyu/ppe-detection-app/internal/detect"
	"github.com/dj-oyu/ppe-detection-app/internal/media"
	"github.com/dj-oyu/ppe-detection-app/internal/metrics"
	"github.com/dj-oyu/ppe-detection-app/internal/video"
	"github.com/dj-oyu/ppe-detection-app/pkg/types"
)

// fakeDetector returns one Hardhat per call and records every threshold.
type fakeDetector struct {
	mu    sync.Mutex
	calls int
	confs []float64
	err   error
}

func (d *fakeDetector) Detect(ctx context.Context, img image.Image, opts detect.Options) (*detect.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.confs = append(d.confs, opts.Confidence)
	if d.err != nil {
		return nil, d.err
	}
	return &detect.Result{Detections: []detect.Detection{
		{ClassID: 0, ClassName: "Hardhat", Confidence: 0.9, Box: image.Rect(1, 1, 6, 6)},
	}}, nil
}

// fakeDecoder yields n solid frames.
type fakeDecoder struct {
	n, next int
	closed  bool
}

func (d *fakeDecoder) Info() video.Info {
	return video.Info{Width: 16, Height: 12, FPS: 10, Frames: d.n}
}

func (d *fakeDecoder) Next() (image.Image, error) {
	if d.next >= d.n {
		return nil, io.EOF
	}
	d.next++
	img := image.NewRGBA(image.Rect(0, 0, 16, 12))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	return img, nil
}

func (d *fakeDecoder) Close() error {
	d.closed = true
	return nil
}

type fakeOpener struct {
	frames int
	path   string
	dec    *fakeDecoder
	err    error
}

func (o *fakeOpener) Open(ctx context.Context, path string) (video.Decoder, error) {
	o.path = path
	if o.err != nil {
		return nil, o.err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	o.dec = &fakeDecoder{n: o.frames}
	return o.dec, nil
}

// collectSink keeps every frame and can cancel after a number of frames.
type collectSink struct {
	began    bool
	frames   []*types.Frame
	ended    bool
	endErr   error
	cancelAt int
	cancel   context.CancelFunc
}

func (s *collectSink) Begin(video.Info) error { s.began = true; return nil }

func (s *collectSink) Frame(ctx context.Context, f *types.Frame) error {
	s.frames = append(s.frames, f)
	if s.cancel != nil && len(s.frames) == s.cancelAt {
		s.cancel()
	}
	return nil
}

func (s *collectSink) End(_ *VideoSummary, err error) {
	s.ended = true
	s.endErr = err
}

func pngUpload(t *testing.T, name string) media.Upload {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	img.Set(3, 3, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return media.Upload{Name: name, Data: buf.Bytes()}
}

func newPipeline(t *testing.T, det detect.Detector, op video.Opener) *Pipeline {
	return &Pipeline{
		Detector: det,
		Videos:   op,
		Metrics:  metrics.New(),
		TempDir:  t.TempDir(),
	}
}

func TestProcessImageCallsDetectorOnce(t *testing.T) {
	det := &fakeDetector{}
	p := newPipeline(t, det, nil)

	out, err := p.ProcessImage(context.Background(), pngUpload(t, "site.PNG"), 0.35)
	if err != nil {
		t.Fatal(err)
	}
	if det.calls != 1 {
		t.Fatalf("detector called %d times, want 1", det.calls)
	}
	if det.confs[0] != 0.35 {
		t.Fatalf("confidence = %v, want 0.35", det.confs[0])
	}
	if out.Frame.Image.Bounds() != image.Rect(0, 0, 20, 10) {
		t.Fatalf("annotated bounds = %v", out.Frame.Image.Bounds())
	}
	if len(out.Frame.JPEG) == 0 || out.Frame.Result.Width != 20 || out.Frame.Result.FrameIndex != 0 {
		t.Fatalf("frame = %+v", out.Frame.Result)
	}
	if p.Metrics.ImagesProcessed.Load() != 1 {
		t.Fatal("image not counted")
	}
}

func TestProcessImageErrors(t *testing.T) {
	p := newPipeline(t, &fakeDetector{}, nil)
	ctx := context.Background()

	if _, err := p.ProcessImage(ctx, media.Upload{Name: "x.jpg", Data: []byte("garbage")}, 0.5); !errors.Is(err, ErrDecode) {
		t.Fatalf("corrupt image err = %v", err)
	}
	if _, err := p.ProcessImage(ctx, pngUpload(t, "x.gif"), 0.5); !errors.Is(err, media.ErrUnsupported) {
		t.Fatalf("gif err = %v", err)
	}
	if _, err := p.ProcessImage(ctx, pngUpload(t, "x.png"), 1.5); !errors.Is(err, ErrInvalidConfidence) {
		t.Fatalf("conf err = %v", err)
	}

	failing := newPipeline(t, &fakeDetector{err: errors.New("model offline")}, nil)
	if _, err := failing.ProcessImage(ctx, pngUpload(t, "x.png"), 0.5); err == nil {
		t.Fatal("detector error swallowed")
	}
	if failing.Metrics.InferenceErrors.Load() != 1 {
		t.Fatal("inference error not counted")
	}
}

func TestProcessVideoRendersEveryFrame(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		det := &fakeDetector{}
		op := &fakeOpener{frames: n}
		p := newPipeline(t, det, op)
		sink := &collectSink{}

		sum, err := p.ProcessVideo(context.Background(), media.Upload{Name: "clip.MP4", Data: []byte("video")}, 0.05, sink)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if len(sink.frames) != n || sum.Frames != n || det.calls != n {
			t.Fatalf("n=%d: sink=%d summary=%d calls=%d", n, len(sink.frames), sum.Frames, det.calls)
		}
		for i, f := range sink.frames {
			if f.FrameNum != uint64(i) || f.Result.FrameIndex != i {
				t.Fatalf("frame %d out of order: %d", i, f.FrameNum)
			}
		}
		for _, c := range det.confs {
			if c != 0.05 {
				t.Fatalf("confidence = %v, want 0.05", c)
			}
		}
		if sum.PerClass["Hardhat"] != n || sum.Detections != n {
			t.Fatalf("summary = %+v", sum)
		}
		if !sink.began || !sink.ended || sink.endErr != nil {
			t.Fatalf("sink lifecycle = %+v", sink)
		}
		if !op.dec.closed {
			t.Fatal("decoder not closed")
		}
		if _, err := os.Stat(op.path); !os.IsNotExist(err) {
			t.Fatalf("temp file %s not removed", op.path)
		}
	}
}

func TestProcessVideoKeepsTempFile(t *testing.T) {
	op := &fakeOpener{frames: 1}
	p := newPipeline(t, &fakeDetector{}, op)
	p.KeepTempFiles = true

	if _, err := p.ProcessVideo(context.Background(), media.Upload{Name: "clip.avi", Data: []byte("v")}, 0.5, &collectSink{}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(op.path); err != nil {
		t.Fatalf("temp file removed: %v", err)
	}
	if got := media.Ext(op.path); got != "avi" {
		t.Fatalf("temp file extension = %q", got)
	}
}

func TestProcessVideoCancel(t *testing.T) {
	op := &fakeOpener{frames: 50}
	det := &fakeDetector{}
	p := newPipeline(t, det, op)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &collectSink{cancelAt: 3, cancel: cancel}

	_, err := p.ProcessVideo(ctx, media.Upload{Name: "clip.mkv", Data: []byte("v")}, 0.5, sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(sink.frames) != 3 || det.calls != 3 {
		t.Fatalf("frames=%d calls=%d after cancel", len(sink.frames), det.calls)
	}
	if !errors.Is(sink.endErr, context.Canceled) || !op.dec.closed {
		t.Fatal("sink/decoder not finished on cancel")
	}
	if p.Metrics.ActiveJobs.Load() != 0 {
		t.Fatal("active job gauge leaked")
	}
}

func TestProcessVideoOpenError(t *testing.T) {
	op := &fakeOpener{err: video.ErrNoVideoStream}
	p := newPipeline(t, &fakeDetector{}, op)

	_, err := p.ProcessVideo(context.Background(), media.Upload{Name: "clip.mov", Data: []byte("v")}, 0.5, &collectSink{})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
	if _, err := os.Stat(op.path); !os.IsNotExist(err) {
		t.Fatal("temp file left behind after open error")
	}
	if _, err := p.ProcessVideo(context.Background(), media.Upload{Name: "clip.png"}, 0.5, &collectSink{}); !errors.Is(err, media.ErrUnsupported) {
		t.Fatalf("image routed to video branch: %v", err)
	}
}

func TestTee(t *testing.T) {
	a, b := &collectSink{}, &collectSink{}
	s := Tee(a, b)
	if err := s.Begin(video.Info{}); err != nil {
		t.Fatal(err)
	}
	s.Frame(context.Background(), &types.Frame{})
	s.End(&VideoSummary{}, nil)
	if len(a.frames) != 1 || len(b.frames) != 1 || !a.ended || !b.ended {
		t.Fatal("tee did not fan out")
	}
}
