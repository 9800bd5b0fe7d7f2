package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dj-oyu/ppe-detection-app/internal/logger"
	"github.com/dj-oyu/ppe-detection-app/internal/metrics"
	"github.com/dj-oyu/ppe-detection-app/internal/recorder"
	"github.com/dj-oyu/ppe-detection-app/internal/video"
	"github.com/dj-oyu/ppe-detection-app/pkg/types"
)

// FrameSink receives the annotated frames of one video.
// Begin is called once before the first frame and End once after the last,
// with the error that stopped processing (nil on a clean end of stream).
type FrameSink interface {
	Begin(info video.Info) error
	Frame(ctx context.Context, f *types.Frame) error
	End(summary *VideoSummary, err error)
}

// Tee fans every call out to all sinks. Frame stops at the first error.
func Tee(sinks ...FrameSink) FrameSink {
	return tee(sinks)
}

type tee []FrameSink

func (t tee) Begin(info video.Info) error {
	for i, s := range t {
		if err := s.Begin(info); err != nil {
			for _, started := range t[:i] {
				started.End(nil, err)
			}
			return err
		}
	}
	return nil
}

func (t tee) Frame(ctx context.Context, f *types.Frame) error {
	for _, s := range t {
		if err := s.Frame(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (t tee) End(summary *VideoSummary, err error) {
	for _, s := range t {
		s.End(summary, err)
	}
}

// ExportSink encodes the annotated frames to an MP4 through a Recorder.
// Export failures are logged and counted but never stop processing.
type ExportSink struct {
	Recorder *recorder.Recorder
	Filename string
	Metrics  *metrics.Metrics

	// Path is the finished file, set by End when the export succeeded.
	Path string
	// Err is the first export failure.
	Err error

	// file written so far, kept after an early stop so End can remove it
	partial string
}

func (e *ExportSink) fail(err error) {
	if e.Err == nil {
		e.Err = err
	}
	if e.Metrics != nil {
		e.Metrics.ExportErrors.Add(1)
	}
	logger.Warn("Export", "%s: %v", e.Filename, err)
}

// Begin starts the recorder for the stream geometry.
func (e *ExportSink) Begin(info video.Info) error {
	if err := e.Recorder.Start(e.Filename, info.Width, info.Height, info.FPS); err != nil {
		e.fail(err)
	}
	return nil
}

// Frame queues one frame, blocking while the encoder catches up.
func (e *ExportSink) Frame(ctx context.Context, f *types.Frame) error {
	if !e.Recorder.IsRecording() {
		return nil
	}
	if err := e.Recorder.WriteFrame(ctx, f.Image); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		e.fail(err)
		e.stop()
		return nil
	}
	if e.Metrics != nil {
		e.Metrics.FramesExported.Add(1)
	}
	return nil
}

// End finalizes the file. A failed or cancelled run, or any export
// failure, removes the partial file and leaves no Path.
func (e *ExportSink) End(_ *VideoSummary, err error) {
	e.stop()
	path := e.partial
	e.partial = ""
	if path == "" {
		return
	}
	if err != nil || e.Err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("Export", "Failed to remove partial %s: %v", path, rmErr)
		}
		return
	}
	e.Path = path
}

// stop finalizes the recorder if it is still running and remembers the
// file it wrote, even when finalizing failed.
func (e *ExportSink) stop() {
	if !e.Recorder.IsRecording() {
		return
	}
	path, err := e.Recorder.Stop()
	if path != "" {
		e.partial = path
	}
	if err != nil {
		e.fail(fmt.Errorf("finalize: %w", err))
	}
}
