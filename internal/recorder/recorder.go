// Package recorder encodes annotated frames to an MP4 file through ffmpeg.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/ppe-detection-app/internal/logger"
)

// ErrNotRecording is returned by WriteFrame and Stop when no file is open.
var ErrNotRecording = errors.New("not recording")

// Recorder pipes raw RGBA frames into an ffmpeg libx264 encoder.
// WriteFrame blocks instead of dropping frames so the export matches the
// processed video frame for frame.
type Recorder struct {
	ffmpeg   string
	basePath string

	mu        sync.RWMutex
	filename  string
	path      string
	recording bool
	width     int
	height    int
	startTime time.Time
	stopTime  time.Time
	frameChan chan *image.RGBA
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    bytes.Buffer
	wg        sync.WaitGroup

	frameCount   atomic.Uint64
	bytesWritten atomic.Uint64

	errMu    sync.Mutex
	writeErr error
}

// NewRecorder creates a recorder writing into basePath.
func NewRecorder(ffmpegPath, basePath string) *Recorder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Recorder{ffmpeg: ffmpegPath, basePath: basePath}
}

// Start opens basePath/filename for a width×height stream at fps.
// An empty filename gets a timestamped name.
func (r *Recorder) Start(filename string, width, height int, fps float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if fps <= 0 {
		fps = 30
	}
	if filename == "" {
		filename = fmt.Sprintf("annotated_%s.mp4", time.Now().Format("20060102_150405"))
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}
	path := filepath.Join(r.basePath, filename)

	cmd := exec.Command(r.ffmpeg,
		"-y",
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', 3, 64),
		"-i", "-",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		path,
	)
	r.stderr.Reset()
	cmd.Stderr = &r.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.filename = filename
	r.path = path
	r.width = width
	r.height = height
	r.recording = true
	r.startTime = time.Now()
	r.stopTime = time.Time{}
	r.frameChan = make(chan *image.RGBA, 8)
	r.frameCount.Store(0)
	r.bytesWritten.Store(0)
	r.setErr(nil)

	r.wg.Add(1)
	go r.writeFrames(r.frameChan, stdin)

	logger.Info("Recorder", "Recording %dx%d @ %.2f fps to %s", width, height, fps, path)
	return nil
}

// WriteFrame queues img for encoding, waiting for room if the encoder is
// behind. Frames of a different size are rejected.
func (r *Recorder) WriteFrame(ctx context.Context, img image.Image) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return ErrNotRecording
	}
	if err := r.err(); err != nil {
		return err
	}
	if b := img.Bounds(); b.Dx() != r.width || b.Dy() != r.height {
		return fmt.Errorf("frame size %dx%d does not match %dx%d", b.Dx(), b.Dy(), r.width, r.height)
	}

	select {
	case r.frameChan <- toPacked(img):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toPacked returns img as an RGBA image whose Pix holds exactly the frame.
func toPacked(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && rgba.Stride == b.Dx()*4 && b.Min == (image.Point{}) {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// writeFrames feeds ffmpeg until frames is closed. After a write error it
// keeps draining so senders never block on a dead encoder.
func (r *Recorder) writeFrames(frames <-chan *image.RGBA, w io.Writer) {
	defer r.wg.Done()

	for frame := range frames {
		if r.err() != nil {
			continue
		}
		n, err := w.Write(frame.Pix)
		if err != nil {
			r.setErr(fmt.Errorf("write frame: %w", err))
			logger.Warn("Recorder", "Encoder write failed: %v", err)
			continue
		}
		r.bytesWritten.Add(uint64(n))
		r.frameCount.Add(1)
	}
}

// Stop flushes queued frames, finalizes the MP4 and returns its path.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	close(r.frameChan)
	r.mu.Unlock()

	// Wait for write goroutine to finish
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopTime = time.Now()
	closeErr := r.stdin.Close()
	waitErr := r.cmd.Wait()
	if waitErr != nil {
		msg := strings.TrimSpace(r.stderr.String())
		return r.path, fmt.Errorf("ffmpeg: %w: %s", waitErr, msg)
	}
	if err := r.err(); err != nil {
		return r.path, err
	}
	if closeErr != nil {
		return r.path, closeErr
	}
	logger.Info("Recorder", "Finished %s (%d frames)", r.path, r.frameCount.Load())
	return r.path, nil
}

func (r *Recorder) err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.writeErr
}

func (r *Recorder) setErr(err error) {
	r.errMu.Lock()
	r.writeErr = err
	r.errMu.Unlock()
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status.
func (r *Recorder) Status() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	switch {
	case r.recording:
		duration = time.Since(r.startTime)
	case !r.stopTime.IsZero():
		duration = r.stopTime.Sub(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount.Load(),
		BytesWritten: r.bytesWritten.Load(),
		DurationMS:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMS   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
