package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dj-oyu/ppe-detection-app/internal/config"
	"github.com/dj-oyu/ppe-detection-app/internal/logger"
	"github.com/dj-oyu/ppe-detection-app/internal/metrics"
	"github.com/dj-oyu/ppe-detection-app/internal/model"
	_ "github.com/dj-oyu/ppe-detection-app/internal/model/onnx" // register backends
	_ "github.com/dj-oyu/ppe-detection-app/internal/model/remote"
	_ "github.com/dj-oyu/ppe-detection-app/internal/model/wsremote"
	"github.com/dj-oyu/ppe-detection-app/internal/pipeline"
	"github.com/dj-oyu/ppe-detection-app/internal/render"
	"github.com/dj-oyu/ppe-detection-app/internal/video"
	"github.com/dj-oyu/ppe-detection-app/internal/webrtc"
	"github.com/dj-oyu/ppe-detection-app/internal/webui"
)

// Server is the detection server: the web UI plus its side listeners.
type Server struct {
	cfg           config.Config
	models        *model.Cache
	metrics       *metrics.Metrics
	webrtc        *webrtc.Server
	web           *webui.Server
	httpServer    *http.Server
	metricsServer *http.Server
}

func main() {
	cfg, _, err := config.Load("server", os.Args[1:], nil)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "PPE detection server starting...")
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the model is loaded before anything listens
	srv, err := NewServer(ctx, cfg)
	if err != nil {
		logger.Error("Main", "Startup failed: %v", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		logger.Error("Main", "Failed to start server: %v", err)
		srv.Shutdown()
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Warn("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

// NewServer loads the model and wires every component.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	logger.Info("Main", "Backends: %s", strings.Join(model.Backends(), ", "))

	models := model.NewCache()
	det, err := models.Load(ctx, cfg.Model)
	if err != nil {
		logger.Error("Main", "Error loading model: %v", err)
		return nil, err
	}

	opener, err := video.NewOpener(cfg.VideoDecoder, video.Options{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
	})
	if err != nil {
		models.Close()
		return nil, fmt.Errorf("video decoder: %w", err)
	}

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		models.Close()
		return nil, fmt.Errorf("temp dir: %w", err)
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

	rtc := webrtc.NewServer(cfg.STUNServers, cfg.MaxWebRTCClients, logger.PionFactory{Logger: logger.Default()})
	web := webui.NewServer(cfg, p, rtc)

	srv := &Server{
		cfg:     cfg,
		models:  models,
		metrics: m,
		webrtc:  rtc,
		web:     web,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           web.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if cfg.MetricsAddr != "" {
		srv.metricsServer = m.NewServer(cfg.MetricsAddr)
	}
	return srv, nil
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting detection server...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.Addr)
	logger.Info("Main", "  Model: %s (%d classes)", s.cfg.Model.Backend, len(s.cfg.Model.Classes))
	logger.Info("Main", "  Confidence: default %.2f, step %.2f", s.cfg.Confidence.Default, s.cfg.Confidence.Step)
	logger.Info("Main", "  Video decoder: %s", s.cfg.VideoDecoder)
	if s.cfg.ExportVideo {
		logger.Info("Main", "  Export path: %s", s.cfg.ExportDir)
	}

	if err := s.web.Start(); err != nil {
		return err
	}

	// Start pprof server
	if s.cfg.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", s.cfg.PprofAddr)
			if err := http.ListenAndServe(s.cfg.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	// Start metrics server
	if s.metricsServer != nil {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	// Bind before returning so a busy port fails startup
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	go func() {
		logger.Info("Main", "Starting HTTP server on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	logger.Info("Main", "Server started successfully")
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	errs = append(errs, s.httpServer.Shutdown(ctx))
	if s.metricsServer != nil {
		errs = append(errs, s.metricsServer.Shutdown(ctx))
	}
	errs = append(errs, s.web.Close(), s.webrtc.Close(), s.models.Close())
	return errors.Join(errs...)
}
