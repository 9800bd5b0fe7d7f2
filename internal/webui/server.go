// Package webui serves the browser UI and the HTTP API of the detection
// server.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/ppe-detection-app/internal/config"
	"github.com/dj-oyu/ppe-detection-app/internal/logger"
	"github.com/dj-oyu/ppe-detection-app/internal/media"
	"github.com/dj-oyu/ppe-detection-app/internal/metrics"
	"github.com/dj-oyu/ppe-detection-app/internal/pipeline"
	"github.com/dj-oyu/ppe-detection-app/internal/recorder"
	"github.com/dj-oyu/ppe-detection-app/internal/webrtc"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temp files.
const multipartMemory = 32 << 20

// OfferHandler answers WebRTC offers for a job's event stream.
type OfferHandler interface {
	HandleOffer(offerJSON []byte, source webrtc.EventSource) ([]byte, error)
	ClientCount() int
}

// clientStatser is implemented by offer handlers that keep per-client
// counters.
type clientStatser interface {
	ClientStats() map[string]map[string]uint64
}

// Server serves the detection UI and API.
type Server struct {
	cfg      config.Config
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	jobs     *JobStore
	monitor  *Monitor
	status   *StatusBroadcaster
	webrtc   OfferHandler
	assets   *assetHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer returns a configured server. rtc may be nil to disable WebRTC.
func NewServer(cfg config.Config, p *pipeline.Pipeline, rtc OfferHandler) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = config.Default().StatusInterval
	}
	m := p.Metrics
	if m == nil {
		m = metrics.New()
		p.Metrics = m
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		metrics:  m,
		webrtc:   rtc,
		assets:   newAssetHandler(cfg.AssetsDir),
		ctx:      ctx,
		cancel:   cancel,
	}
	if rtc != nil {
		m.TrackWebRTCClients(rtc.ClientCount)
	}
	s.monitor = NewMonitor(cfg.Model.Backend, m, func() (int, int) { return s.jobs.Counts() })
	s.jobs = NewJobStore(s.monitor.UpdateDetection)
	s.status = NewStatusBroadcaster(s.monitor, cfg.StatusInterval)
	return s
}

// Jobs exposes the job store.
func (s *Server) Jobs() *JobStore { return s.jobs }

// Start begins the background loops: the status broadcaster and the job
// sweeper.
func (s *Server) Start() error {
	s.status.Start()
	interval := s.cfg.JobTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return s.jobs.StartSweeper(interval, s.cfg.JobTTL)
}

// Close cancels running jobs and stops the background loops.
func (s *Server) Close() error {
	s.cancel()
	s.status.Stop()
	return s.jobs.Close()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /assets/{file}", s.assets)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("POST /api/detect", s.handleDetect)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.withJob(s.handleGetJob))
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /api/jobs/{id}/image", s.withJob(s.handleJobImage))
	mux.HandleFunc("GET /api/jobs/{id}/frame", s.withJob(s.handleJobFrame))
	mux.HandleFunc("GET /api/jobs/{id}/stream", s.withJob(s.handleJobStream))
	mux.HandleFunc("GET /api/jobs/{id}/events", s.withJob(s.handleJobEvents))
	mux.HandleFunc("GET /api/jobs/{id}/download", s.withJob(s.handleJobDownload))

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)
	mux.HandleFunc("POST /api/webrtc/offer", s.handleWebRTCOffer)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	slider := s.cfg.Confidence
	data := indexData{
		Title:        PageTitle,
		Heading:      PageHeading,
		SidebarTitle: SidebarTitle,
		Min:          slider.Min,
		Max:          slider.Max,
		Default:      slider.Default,
		Step:         slider.Step,
		Accept:       acceptAttr(media.Accepted()),
		AcceptList:   strings.Join(media.Accepted(), ", "),
		Backend:      s.cfg.Model.Backend,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		logger.Warn("HTTP", "Failed to render index: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, running := s.jobs.Counts()
	writeJSON(w, map[string]any{
		"status":       "ok",
		"backend":      s.cfg.Model.Backend,
		"jobs":         total,
		"jobs_running": running,
	})
}

// parseConfidence reads the conf form value, falling back to the slider
// default when it is absent.
func (s *Server) parseConfidence(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.cfg.Confidence.Default, nil
	}
	conf, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("conf %q is not a number", raw)
	}
	if math.IsNaN(conf) || conf < s.cfg.Confidence.Min || conf > s.cfg.Confidence.Max {
		return 0, fmt.Errorf("conf %v outside [%v, %v]", conf, s.cfg.Confidence.Min, s.cfg.Confidence.Max)
	}
	return conf, nil
}

func (s *Server) uploadError(w http.ResponseWriter, status int, msg string) {
	s.metrics.UploadErrors.Add(1)
	writeError(w, status, msg)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.uploadError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		s.uploadError(w, http.StatusBadRequest, "expected a multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.uploadError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	conf, err := s.parseConfidence(r.FormValue("conf"))
	if err != nil {
		s.uploadError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := filepath.Base(header.Filename)
	kind := media.Classify(name)
	s.metrics.ObserveUpload(kind.String())
	if kind == media.KindUnsupported {
		s.uploadError(w, http.StatusUnsupportedMediaType,
			fmt.Sprintf("unsupported file type %q; accepted: %s", media.Ext(name), strings.Join(media.Accepted(), ", ")))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.uploadError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	up := media.Upload{Name: name, Data: data}

	switch kind {
	case media.KindImage:
		s.detectImage(w, r, up, conf)
	case media.KindVideo:
		s.detectVideo(w, up, conf)
	}
}

func (s *Server) detectImage(w http.ResponseWriter, r *http.Request, up media.Upload, conf float64) {
	out, err := s.pipeline.ProcessImage(r.Context(), up, conf)
	switch {
	case errors.Is(err, pipeline.ErrDecode):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, pipeline.ErrInvalidConfidence):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logger.Error("HTTP", "Image %s: %v", up.Name, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job := s.jobs.AddImage(up.Name, conf, out)
	s.monitor.UpdateDetection(DetectionEvent{
		JobID:      job.ID,
		Timestamp:  unixSeconds(out.Frame.Timestamp),
		Detections: toDetections(out.Frame.Result),
	})
	writeJSON(w, job.View())
}

func (s *Server) detectVideo(w http.ResponseWriter, up media.Upload, conf float64) {
	var export *pipeline.ExportSink
	if s.cfg.ExportVideo {
		base := strings.TrimSuffix(up.Name, filepath.Ext(up.Name))
		export = &pipeline.ExportSink{
			Recorder: recorder.NewRecorder(s.cfg.FFmpegPath, s.cfg.ExportDir),
			Filename: fmt.Sprintf("%s_annotated_%s.mp4", base, time.Now().Format("20060102_150405")),
			Metrics:  s.metrics,
		}
	}

	job := s.jobs.StartVideo(s.ctx, up.Name, conf, export, func(ctx context.Context, j *Job) (*pipeline.VideoSummary, error) {
		var sink pipeline.FrameSink = j
		if export != nil {
			// export first so its Path is final when the job finishes
			sink = pipeline.Tee(export, j)
		}
		return s.pipeline.ProcessVideo(ctx, up, conf, sink)
	})
	logger.Info("HTTP", "Started job %s for %s (conf=%.2f)", job.ID, up.Name, conf)
	writeJSONWithStatus(w, job.View(), http.StatusAccepted)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.List()
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	writeJSON(w, map[string]any{"jobs": views})
}

func (s *Server) withJob(h func(http.ResponseWriter, *http.Request, *Job)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.jobs.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h(w, r, job)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, job *Job) {
	writeJSON(w, job.View())
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.jobs.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	logger.Info("HTTP", "Deleted job %s", id)
	writeJSON(w, map[string]any{"job_id": id, "deleted": true})
}

func writeJPEG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleJobImage(w http.ResponseWriter, r *http.Request, job *Job) {
	if job.Kind != media.KindImage {
		writeError(w, http.StatusNotFound, "job is not an image job; use /frame or /stream")
		return
	}
	data, _ := job.Latest()
	writeJPEG(w, data)
}

func (s *Server) handleJobFrame(w http.ResponseWriter, r *http.Request, job *Job) {
	data, _ := job.Latest()
	if data == nil {
		writeError(w, http.StatusNotFound, "no frame rendered yet")
		return
	}
	writeJPEG(w, data)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, job *Job) {
	id, frameCh := job.SubscribeFrames()
	defer job.UnsubscribeFrames(id)

	s.metrics.StreamClients.Add(1)
	defer s.metrics.StreamClients.Add(-1)

	first, _ := job.Latest()
	streamMJPEGFromChannel(w, r, first, frameCh)
}

// wantsProtobuf reports whether the client prefers protobuf events.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, job *Job) {
	useProtobuf := wantsProtobuf(r)
	history, id, eventCh := job.SubscribeEvents()
	defer job.UnsubscribeEvents(id)

	s.metrics.StreamClients.Add(1)
	defer s.metrics.StreamClients.Add(-1)

	flusher, ok := startSSE(w, useProtobuf)
	if !ok {
		return
	}
	for _, ev := range history {
		if err := writeSSEEvent(w, "", eventData(ev, useProtobuf)); err != nil {
			return
		}
	}
	flusher.Flush()

	if !streamEventsFromChannel(w, r, flusher, eventCh, useProtobuf) {
		return
	}
	select {
	case <-job.Done():
	case <-r.Context().Done():
		return
	}
	done, err := json.Marshal(job.View())
	if err != nil {
		return
	}
	if err := writeSSEEvent(w, "done", done); err == nil {
		flusher.Flush()
	}
}

func (s *Server) handleJobDownload(w http.ResponseWriter, r *http.Request, job *Job) {
	path := job.ExportPath()
	if path == "" {
		writeError(w, http.StatusNotFound, "no annotated video available for this job")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := s.monitor.Snapshot()
	if cs, ok := s.webrtc.(clientStatser); ok {
		payload.WebRTCClients = cs.ClientStats()
	}
	writeJSON(w, payload)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	flusher, ok := startSSE(w, false)
	if !ok {
		return
	}
	// first snapshot right away; the broadcaster sends the rest
	if err := writeSSE(w, s.monitor.Snapshot()); err != nil {
		return
	}
	flusher.Flush()
	streamEventsFromChannel(w, r, flusher, eventCh, false)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if s.webrtc == nil {
		writeError(w, http.StatusServiceUnavailable, "WebRTC is disabled")
		return
	}
	job, err := s.jobs.Get(r.URL.Query().Get("job"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offer data")
		return
	}

	answer, err := s.webrtc.HandleOffer(body, job)
	switch {
	case errors.Is(err, webrtc.ErrInvalidOffer):
		writeError(w, http.StatusBadRequest, "Invalid offer data")
		return
	case errors.Is(err, webrtc.ErrTooManyClients):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to handle offer: %v", err))
		return
	}

	s.metrics.TotalClients.Add(1)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONWithStatus(w, map[string]any{"error": msg}, status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
