package webui

import (
	"sync"
	"time"

	"github.com/dj-oyu/ppe-detection-app/internal/metrics"
)

const historySize = 8

// Monitor aggregates the statistics served by /api/status.
type Monitor struct {
	startTime time.Time
	backend   string
	metrics   *metrics.Metrics
	jobs      func() (total, running int)

	mu               sync.Mutex
	detectionVersion int
	latestDetection  *DetectionResult
	detectionHistory []DetectionResult
}

// NewMonitor creates a Monitor. jobs reports the job counts and may be nil.
func NewMonitor(backend string, m *metrics.Metrics, jobs func() (int, int)) *Monitor {
	return &Monitor{
		startTime: time.Now(),
		backend:   backend,
		metrics:   m,
		jobs:      jobs,
	}
}

// UpdateDetection stores a new detection event. Events with detections are
// also kept in a short history, newest first.
func (m *Monitor) UpdateDetection(ev DetectionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.detectionVersion++
	result := DetectionResult{
		DetectionEvent: ev,
		NumDetections:  len(ev.Detections),
		Version:        m.detectionVersion,
	}
	m.latestDetection = &result
	if result.NumDetections > 0 {
		m.detectionHistory = append([]DetectionResult{result}, m.detectionHistory...)
		if len(m.detectionHistory) > historySize {
			m.detectionHistory = m.detectionHistory[:historySize]
		}
	}
}

// Snapshot returns the current status payload.
func (m *Monitor) Snapshot() StatusPayload {
	var total, running int
	if m.jobs != nil {
		total, running = m.jobs()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MonitorStats{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Backend:       m.backend,
		JobsTotal:     total,
		JobsRunning:   running,
	}
	var latest *DetectionResult
	if m.latestDetection != nil {
		copied := *m.latestDetection
		latest = &copied
		stats.DetectionCount = copied.NumDetections
	}
	history := make([]DetectionResult, len(m.detectionHistory))
	copy(history, m.detectionHistory)

	payload := StatusPayload{
		Monitor:          stats,
		LatestDetection:  latest,
		DetectionHistory: history,
		Timestamp:        unixSeconds(time.Now()),
	}
	if m.metrics != nil {
		payload.Metrics = m.metrics.Snapshot()
	}
	return payload
}
