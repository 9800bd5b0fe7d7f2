package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.ImagesProcessed.Add(2)
	m.ObserveUpload("image")
	m.ObserveUpload("video")
	m.ObserveInference(40*time.Millisecond, map[string]int{"Hardhat": 2, "Person": 1})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"ppe_images_processed_total 2",
		`ppe_uploads_total{kind="image"} 1`,
		`ppe_detections_by_class_total{class="Hardhat"} 2`,
		"ppe_detections_total 3",
		"ppe_inference_duration_seconds_count 1",
		"ppe_inference_latency_ms 40",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.FramesDecoded.Add(10)
	m.DecodeErrors.Add(1)
	m.InferenceErrors.Add(2)
	m.ActiveJobs.Add(1)

	s := m.Snapshot()
	if s.FramesDecoded != 10 || s.Errors != 3 || s.ActiveJobs != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestNewServer(t *testing.T) {
	srv := New().NewServer(":0")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
}
