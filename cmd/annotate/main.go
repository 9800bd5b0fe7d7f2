// Command annotate runs the detector over local images and videos and
// writes the annotated copies to the export directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dj-oyu/ppe-detection-app/internal/config"
	"github.com/dj-oyu/ppe-detection-app/internal/logger"
	"github.com/dj-oyu/ppe-detection-app/internal/media"
	"github.com/dj-oyu/ppe-detection-app/internal/metrics"
	"github.com/dj-oyu/ppe-detection-app/internal/model"
	_ "github.com/dj-oyu/ppe-detection-app/internal/model/onnx" // register backends
	_ "github.com/dj-oyu/ppe-detection-app/internal/model/remote"
	_ "github.com/dj-oyu/ppe-detection-app/internal/model/wsremote"
	"github.com/dj-oyu/ppe-detection-app/internal/pipeline"
	"github.com/dj-oyu/ppe-detection-app/internal/render"
	"github.com/dj-oyu/ppe-detection-app/internal/recorder"
	"github.com/dj-oyu/ppe-detection-app/internal/video"
)

// result is printed as one JSON line per input.
type result struct {
	Input   string                 `json:"input"`
	Output  string                 `json:"output,omitempty"`
	Counts  map[string]int         `json:"counts,omitempty"`
	Summary *pipeline.VideoSummary `json:"summary,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func main() {
	cfg, fs, err := config.Load("annotate", os.Args[1:], nil)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	inputs := fs.Args()
	if len(inputs) == 0 {
		fmt.Fprintf(os.Stderr, "usage: annotate [flags] file...\n")
		fs.PrintDefaults()
		os.Exit(2)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	models := model.NewCache()
	defer models.Close()
	det, err := models.Load(ctx, cfg.Model)
	if err != nil {
		logger.Error("Main", "Error loading model: %v", err)
		os.Exit(1)
	}
	opener, err := video.NewOpener(cfg.VideoDecoder, video.Options{FFmpegPath: cfg.FFmpegPath, FFprobePath: cfg.FFprobePath})
	if err != nil {
		logger.Error("Main", "Video decoder: %v", err)
		os.Exit(1)
	}
	for _, dir := range []string{cfg.ExportDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("Main", "Create %s: %v", dir, err)
			os.Exit(1)
		}
	}

	m := metrics.New()
	p := &pipeline.Pipeline{
		Detector:      det,
		Annotator:     render.Annotator{HideConfidence: cfg.HideConfidence},
		Videos:        opener,
		Metrics:       m,
		TempDir:       cfg.TempDir,
		KeepTempFiles: cfg.KeepTempFiles,
		JPEGQuality:   cfg.JPEGQuality,
	}

	enc := json.NewEncoder(os.Stdout)
	failed := 0
	for _, in := range inputs {
		res := annotate(ctx, p, cfg, m, in)
		if res.Error != "" {
			failed++
		}
		_ = enc.Encode(res)
		if ctx.Err() != nil {
			break
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func annotate(ctx context.Context, p *pipeline.Pipeline, cfg config.Config, m *metrics.Metrics, path string) result {
	res := result{Input: path}
	data, err := os.ReadFile(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	up := media.Upload{Name: filepath.Base(path), Data: data}
	base := strings.TrimSuffix(up.Name, filepath.Ext(up.Name))
	conf := cfg.Confidence.Default

	switch up.Kind() {
	case media.KindImage:
		out, err := p.ProcessImage(ctx, up, conf)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		// PNG inputs stay lossless
		data, ext := out.Frame.JPEG, ".jpg"
		if up.Ext() == "png" {
			if data, err = render.EncodePNG(out.Frame.Image); err != nil {
				res.Error = err.Error()
				return res
			}
			ext = ".png"
		}
		res.Output = filepath.Join(cfg.ExportDir, base+"_annotated"+ext)
		if err := os.WriteFile(res.Output, data, 0o644); err != nil {
			res.Error = err.Error()
		}
		res.Counts = out.Frame.Result.CountByClass()

	case media.KindVideo:
		export := &pipeline.ExportSink{
			Recorder: recorder.NewRecorder(cfg.FFmpegPath, cfg.ExportDir),
			Filename: base + "_annotated.mp4",
			Metrics:  m,
		}
		summary, err := p.ProcessVideo(ctx, up, conf, export)
		res.Summary = summary
		res.Output = export.Path
		switch {
		case err != nil:
			res.Error = err.Error()
		case export.Err != nil:
			res.Error = export.Err.Error()
		}
		if summary != nil {
			res.Counts = summary.PerClass
		}

	default:
		res.Error = fmt.Sprintf("%s: %v (accepted: %s)", up.Name, media.ErrUnsupported, strings.Join(media.Accepted(), ", "))
	}
	return res
}
