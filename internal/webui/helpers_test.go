package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/ppe-detection-app/internal/config"
	"github.com/dj-oyu/ppe-detection-app/internal/detect"
	"github.com/dj-oyu/ppe-detection-app/internal/metrics"
	"github.com/dj-oyu/ppe-detection-app/internal/pipeline"
	"github.com/dj-oyu/ppe-detection-app/internal/video"
)

const defaultRequestTimeout = 5 * time.Second

// recordingDetector finds one Hardhat per call and remembers thresholds.
type recordingDetector struct {
	mu    sync.Mutex
	confs []float64
}

func (d *recordingDetector) Detect(ctx context.Context, img image.Image, opts detect.Options) (*detect.Result, error) {
	d.mu.Lock()
	d.confs = append(d.confs, opts.Confidence)
	d.mu.Unlock()
	return &detect.Result{Detections: []detect.Detection{
		{ClassID: 0, ClassName: "Hardhat", Confidence: 0.91, Box: image.Rect(2, 2, 10, 8)},
	}}, nil
}

func (d *recordingDetector) calls() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.confs...)
}

// frameDecoder yields n frames. When gate is set, each frame waits for a
// value from it.
type frameDecoder struct {
	n, next int
	gate    chan struct{}
}

func (d *frameDecoder) Info() video.Info {
	return video.Info{Width: 32, Height: 24, FPS: 25, Frames: d.n}
}

func (d *frameDecoder) Next() (image.Image, error) {
	if d.next >= d.n {
		return nil, io.EOF
	}
	if d.gate != nil {
		<-d.gate
	}
	d.next++
	return image.NewRGBA(image.Rect(0, 0, 32, 24)), nil
}

func (d *frameDecoder) Close() error { return nil }

type testEnv struct {
	t        *testing.T
	server   *Server
	http     *httptest.Server
	detector *recordingDetector
	client   *http.Client
}

type envSetup struct {
	cfg    config.Config
	opener video.OpenerFunc
	rtc    OfferHandler
}

type envOption func(*envSetup)

func withFrames(n int, gate chan struct{}) envOption {
	return func(e *envSetup) {
		e.opener = func(ctx context.Context, path string) (video.Decoder, error) {
			return &frameDecoder{n: n, gate: gate}, nil
		}
	}
}

func withConfig(fn func(*config.Config)) envOption {
	return func(e *envSetup) { fn(&e.cfg) }
}

func withOfferHandler(h OfferHandler) envOption {
	return func(e *envSetup) { e.rtc = h }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	setup := envSetup{cfg: config.Default()}
	setup.cfg.Model.Backend = "test"
	setup.cfg.TempDir = t.TempDir()
	setup.cfg.StatusInterval = 50 * time.Millisecond
	setup.opener = func(ctx context.Context, path string) (video.Decoder, error) {
		return &frameDecoder{n: 3}, nil
	}
	for _, o := range opts {
		o(&setup)
	}

	det := &recordingDetector{}
	p := &pipeline.Pipeline{
		Detector: det,
		Videos:   setup.opener,
		Metrics:  metrics.New(),
		TempDir:  setup.cfg.TempDir,
	}
	s := NewServer(setup.cfg, p, setup.rtc)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	return &testEnv{
		t:        t,
		server:   s,
		http:     ts,
		detector: det,
		client:   &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (e *testEnv) get(path string) (*http.Response, []byte) {
	e.t.Helper()
	return e.do(http.MethodGet, path, nil, "")
}

func (e *testEnv) do(method, path string, body io.Reader, contentType string) (*http.Response, []byte) {
	e.t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, body)
	if err != nil {
		e.t.Fatalf("build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("request failed: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

// upload posts a multipart form to /api/detect. An empty conf is omitted.
func (e *testEnv) upload(name string, data []byte, conf string) (*http.Response, map[string]any) {
	e.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if name != "" {
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			e.t.Fatal(err)
		}
		_, _ = fw.Write(data)
	}
	if conf != "" {
		_ = mw.WriteField("conf", conf)
	}
	_ = mw.Close()

	resp, body := e.do(http.MethodPost, "/api/detect", &buf, mw.FormDataContentType())
	return resp, decodeJSONMap(e.t, body)
}

func (e *testEnv) waitJob(id string) *Job {
	e.t.Helper()
	job, err := e.server.Jobs().Get(id)
	if err != nil {
		e.t.Fatalf("job %s: %v", id, err)
	}
	select {
	case <-job.Done():
	case <-time.After(defaultRequestTimeout):
		e.t.Fatalf("job %s did not finish", id)
	}
	return job
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type sseEvent struct {
	name string
	data string
}

// readSSEEvents reads a stream until the server ends it.
func readSSEEvents(t *testing.T, url, accept string) ([]sseEvent, http.Header) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read sse: %v", err)
	}

	var events []sseEvent
	for _, block := range strings.Split(string(body), "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		if ev.data != "" {
			events = append(events, ev)
		}
	}
	return events, resp.Header
}

// readSSEEvent reads the first event of a stream that does not end.
func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertDetectionPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireNumber(t, payload["frame_number"], "frame_number")
	requireNumber(t, payload["timestamp"], "timestamp")
	detections := requireSlice(t, payload["detections"], "detections")
	for i, raw := range detections {
		det := requireMap(t, raw, fmt.Sprintf("detections[%d]", i))
		requireString(t, det["class_name"], "detections.class_name")
		requireNumber(t, det["confidence"], "detections.confidence")
		bbox := requireMap(t, det["bbox"], "detections.bbox")
		requireNumber(t, bbox["x"], "detections.bbox.x")
		requireNumber(t, bbox["y"], "detections.bbox.y")
		requireNumber(t, bbox["w"], "detections.bbox.w")
		requireNumber(t, bbox["h"], "detections.bbox.h")
	}
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	monitor := requireMap(t, payload["monitor"], "monitor")
	requireNumber(t, monitor["uptime_seconds"], "monitor.uptime_seconds")
	requireNumber(t, monitor["jobs_total"], "monitor.jobs_total")
	requireNumber(t, monitor["detection_count"], "monitor.detection_count")
	requireString(t, monitor["backend"], "monitor.backend")

	m := requireMap(t, payload["metrics"], "metrics")
	requireNumber(t, m["frames_rendered"], "metrics.frames_rendered")
	requireNumber(t, payload["timestamp"], "timestamp")

	history := requireSlice(t, payload["detection_history"], "detection_history")
	for i, raw := range history {
		item := requireMap(t, raw, fmt.Sprintf("detection_history[%d]", i))
		requireNumber(t, item["num_detections"], "num_detections")
		requireNumber(t, item["version"], "version")
		assertDetectionPayload(t, item)
	}
}
