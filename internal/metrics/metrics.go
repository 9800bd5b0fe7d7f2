package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Processing counters
	ImagesProcessed atomic.Uint64
	VideosProcessed atomic.Uint64
	FramesDecoded   atomic.Uint64
	FramesRendered  atomic.Uint64
	FramesExported  atomic.Uint64
	Detections      atomic.Uint64

	// Error counters
	UploadErrors    atomic.Uint64
	DecodeErrors    atomic.Uint64
	InferenceErrors atomic.Uint64
	RenderErrors    atomic.Uint64
	ExportErrors    atomic.Uint64

	// Latency tracking
	InferenceLatencyMs atomic.Uint64 // Last inference latency in ms
	FrameLatencyMs     atomic.Uint64 // Last decode-to-publish latency in ms

	// Jobs and clients
	ActiveJobs    atomic.Int64
	StreamClients atomic.Int64
	TotalClients  atomic.Uint64 // WebRTC

	webrtcClients atomic.Pointer[func() int]

	uploads    *prometheus.CounterVec
	classes    *prometheus.CounterVec
	inferences prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppe_uploads_total",
			Help: "Uploaded files by kind (image, video, unsupported)",
		}, []string{"kind"}),
		classes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppe_detections_by_class_total",
			Help: "Detections by class name",
		}, []string{"class"}),
		inferences: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ppe_inference_duration_seconds",
			Help:    "Latency of one detection call",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.uploads,
		m.classes,
		m.inferences,
	)
	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		f,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("ppe_images_processed_total", "Images run through the detector", &m.ImagesProcessed)
	m.counter("ppe_videos_processed_total", "Videos processed to the end", &m.VideosProcessed)
	m.counter("ppe_frames_decoded_total", "Video frames decoded", &m.FramesDecoded)
	m.counter("ppe_frames_rendered_total", "Frames annotated and published", &m.FramesRendered)
	m.counter("ppe_frames_exported_total", "Frames written to exported videos", &m.FramesExported)
	m.counter("ppe_detections_total", "Detections across all frames", &m.Detections)

	m.counter("ppe_upload_errors_total", "Rejected uploads", &m.UploadErrors)
	m.counter("ppe_decode_errors_total", "Image or video decode failures", &m.DecodeErrors)
	m.counter("ppe_inference_errors_total", "Failed detection calls", &m.InferenceErrors)
	m.counter("ppe_render_errors_total", "Frame encode failures", &m.RenderErrors)
	m.counter("ppe_export_errors_total", "Video export failures", &m.ExportErrors)

	m.gauge("ppe_inference_latency_ms", "Latency of the last detection call in ms",
		func() float64 { return float64(m.InferenceLatencyMs.Load()) })
	m.gauge("ppe_frame_latency_ms", "Decode to publish latency of the last frame in ms",
		func() float64 { return float64(m.FrameLatencyMs.Load()) })
	m.gauge("ppe_active_jobs", "Video jobs currently processing",
		func() float64 { return float64(m.ActiveJobs.Load()) })
	m.gauge("ppe_stream_clients", "Connected MJPEG and SSE clients",
		func() float64 { return float64(m.StreamClients.Load()) })
	m.gauge("ppe_webrtc_active_clients", "Number of active WebRTC clients",
		func() float64 { return float64(m.ActiveWebRTCClients()) })
	m.gauge("ppe_webrtc_total_clients", "Total WebRTC clients connected",
		func() float64 { return float64(m.TotalClients.Load()) })
}

// TrackWebRTCClients makes the active WebRTC client gauge read count.
func (m *Metrics) TrackWebRTCClients(count func() int) {
	m.webrtcClients.Store(&count)
}

// ActiveWebRTCClients returns the tracked client count, 0 when untracked.
func (m *Metrics) ActiveWebRTCClients() int {
	if f := m.webrtcClients.Load(); f != nil && *f != nil {
		return (*f)()
	}
	return 0
}

// ObserveUpload counts one upload of the given kind.
func (m *Metrics) ObserveUpload(kind string) {
	m.uploads.WithLabelValues(kind).Inc()
}

// ObserveInference records the latency of one detection call and the
// per-class counts it produced.
func (m *Metrics) ObserveInference(d time.Duration, perClass map[string]int) {
	m.inferences.Observe(d.Seconds())
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
	for class, n := range perClass {
		m.classes.WithLabelValues(class).Add(float64(n))
		m.Detections.Add(uint64(n))
	}
}

// UpdateFrameLatency updates the last frame latency
func (m *Metrics) UpdateFrameLatency(decoded time.Time) {
	m.FrameLatencyMs.Store(uint64(time.Since(decoded).Milliseconds()))
}

// Snapshot is a JSON view of the counters for the status API.
type Snapshot struct {
	ImagesProcessed    uint64 `json:"images_processed"`
	VideosProcessed    uint64 `json:"videos_processed"`
	FramesDecoded      uint64 `json:"frames_decoded"`
	FramesRendered     uint64 `json:"frames_rendered"`
	Detections         uint64 `json:"detections"`
	Errors             uint64 `json:"errors"`
	InferenceLatencyMs uint64 `json:"inference_latency_ms"`
	ActiveJobs         int64  `json:"active_jobs"`
	StreamClients      int64  `json:"stream_clients"`
	WebRTCClients      uint64 `json:"webrtc_clients"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ImagesProcessed:    m.ImagesProcessed.Load(),
		VideosProcessed:    m.VideosProcessed.Load(),
		FramesDecoded:      m.FramesDecoded.Load(),
		FramesRendered:     m.FramesRendered.Load(),
		Detections:         m.Detections.Load(),
		Errors:             m.UploadErrors.Load() + m.DecodeErrors.Load() + m.InferenceErrors.Load() + m.RenderErrors.Load() + m.ExportErrors.Load(),
		InferenceLatencyMs: m.InferenceLatencyMs.Load(),
		ActiveJobs:         m.ActiveJobs.Load(),
		StreamClients:      m.StreamClients.Load(),
		WebRTCClients:      uint64(m.ActiveWebRTCClients()),
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
