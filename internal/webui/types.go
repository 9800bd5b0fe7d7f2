package webui

import (
	"time"

	"github.com/dj-oyu/ppe-detection-app/internal/detect"
	"github.com/dj-oyu/ppe-detection-app/internal/metrics"
)

// BoundingBox is a detection box in frame pixels.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Detection is the JSON shape of one detection.
type Detection struct {
	ClassID    int         `json:"class_id"`
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// DetectionEvent is the payload for /api/jobs/{id}/events.
type DetectionEvent struct {
	JobID       string      `json:"job_id"`
	FrameNumber uint64      `json:"frame_number"`
	Timestamp   float64     `json:"timestamp"`
	Detections  []Detection `json:"detections"`
}

// DetectionResult is a DetectionEvent kept in the monitor history.
type DetectionResult struct {
	DetectionEvent
	NumDetections int `json:"num_detections"`
	Version       int `json:"version"`
}

// MonitorStats is the monitor section of the status payload.
type MonitorStats struct {
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Backend        string  `json:"backend"`
	JobsTotal      int     `json:"jobs_total"`
	JobsRunning    int     `json:"jobs_running"`
	DetectionCount int     `json:"detection_count"`
}

// StatusPayload is served by /api/status and /api/status/stream.
type StatusPayload struct {
	Monitor          MonitorStats      `json:"monitor"`
	Metrics          metrics.Snapshot  `json:"metrics"`
	LatestDetection  *DetectionResult  `json:"latest_detection"`
	DetectionHistory []DetectionResult `json:"detection_history"`
	Timestamp        float64           `json:"timestamp"`

	// WebRTCClients holds per-client data channel counters.
	WebRTCClients map[string]map[string]uint64 `json:"webrtc_clients,omitempty"`
}

func toDetections(res *detect.Result) []Detection {
	if res == nil {
		return []Detection{}
	}
	out := make([]Detection, 0, len(res.Detections))
	for _, d := range res.Detections {
		b := d.Box.Canon()
		out = append(out, Detection{
			ClassID:    d.ClassID,
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
			BBox:       BoundingBox{X: b.Min.X, Y: b.Min.Y, W: b.Dx(), H: b.Dy()},
		})
	}
	return out
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
