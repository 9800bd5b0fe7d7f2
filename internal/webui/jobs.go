package webui

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/dj-oyu/ppe-detection-app/internal/detect"
	"github.com/dj-oyu/ppe-detection-app/internal/logger"
	"github.com/dj-oyu/ppe-detection-app/internal/media"
	"github.com/dj-oyu/ppe-detection-app/internal/pipeline"
	"github.com/dj-oyu/ppe-detection-app/internal/video"
	"github.com/dj-oyu/ppe-detection-app/pkg/types"
)

// ErrJobNotFound is returned for unknown or swept job ids.
var ErrJobNotFound = errors.New("job not found")

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one processed upload. Video jobs implement pipeline.FrameSink and
// fan their frames and detection events out to stream clients.
type Job struct {
	ID         string
	Kind       media.Kind
	FileName   string
	Confidence float64
	CreatedAt  time.Time

	frames  *Broadcaster[[]byte]
	events  *Broadcaster[*SerializedEvent]
	onEvent func(DetectionEvent)
	export  *pipeline.ExportSink
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once

	mu         sync.RWMutex
	status     JobStatus
	errMsg     string
	info       video.Info
	jpeg       []byte
	result     *detect.Result
	frameCount int
	history    []*SerializedEvent
	summary    *pipeline.VideoSummary
	exportPath string
	inference  time.Duration
	finishedAt time.Time
}

func newJob(kind media.Kind, name string, conf float64) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		FileName:   name,
		Confidence: conf,
		CreatedAt:  time.Now(),
		frames:     NewBroadcaster[[]byte]("FrameBroadcaster", 2),
		events:     NewBroadcaster[*SerializedEvent]("DetectionBroadcaster", 64),
		done:       make(chan struct{}),
		status:     JobRunning,
	}
}

// Done is closed once the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Status returns the job state.
func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Latest returns the most recent annotated JPEG and its detections.
func (j *Job) Latest() ([]byte, *detect.Result) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jpeg, j.result
}

// ExportPath returns the finished MP4, or "" when there is none.
func (j *Job) ExportPath() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.exportPath
}

// SubscribeFrames returns a channel of annotated JPEG frames.
func (j *Job) SubscribeFrames() (int, <-chan []byte) { return j.frames.Subscribe() }

// UnsubscribeFrames releases a frame subscription.
func (j *Job) UnsubscribeFrames(id int) { j.frames.Unsubscribe(id) }

// SubscribeEvents returns every event published so far and a channel for
// the rest. No event is both in history and on the channel.
func (j *Job) SubscribeEvents() ([]*SerializedEvent, int, <-chan *SerializedEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	history := append([]*SerializedEvent(nil), j.history...)
	id, ch := j.events.Subscribe()
	return history, id, ch
}

// UnsubscribeEvents releases an event subscription.
func (j *Job) UnsubscribeEvents(id int) { j.events.Unsubscribe(id) }

// Events returns the JSON events of the job for WebRTC data channels.
// cancel must be called when the consumer is gone.
func (j *Job) Events() (history [][]byte, updates <-chan []byte, cancel func()) {
	past, id, ch := j.SubscribeEvents()
	for _, ev := range past {
		history = append(history, ev.JSONData)
	}
	out := make(chan []byte, cap(ch))
	stop := make(chan struct{})
	go func() {
		defer close(out)
		for ev := range ch {
			select {
			case out <- ev.JSONData:
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return history, out, func() {
		once.Do(func() {
			close(stop)
			j.events.Unsubscribe(id)
		})
	}
}

// Begin implements pipeline.FrameSink.
func (j *Job) Begin(info video.Info) error {
	j.mu.Lock()
	j.info = info
	j.mu.Unlock()
	return nil
}

// Frame implements pipeline.FrameSink. It never blocks on slow clients.
func (j *Job) Frame(_ context.Context, f *types.Frame) error {
	ev := DetectionEvent{
		JobID:       j.ID,
		FrameNumber: f.FrameNum,
		Timestamp:   unixSeconds(f.Timestamp),
		Detections:  toDetections(f.Result),
	}
	ser, err := SerializeDetectionEvent(&ev)
	if err != nil {
		logger.Warn("Job", "%s: failed to serialize frame %d: %v", j.ID, f.FrameNum, err)
	}

	j.mu.Lock()
	j.jpeg = f.JPEG
	j.result = f.Result
	j.frameCount++
	if ser != nil {
		j.history = append(j.history, ser)
		j.events.Publish(ser)
	}
	j.mu.Unlock()

	j.frames.Publish(f.JPEG)
	if j.onEvent != nil {
		j.onEvent(ev)
	}
	return nil
}

// End implements pipeline.FrameSink.
func (j *Job) End(summary *pipeline.VideoSummary, err error) {
	j.finish(summary, err)
}

// finish records the outcome once and disconnects every stream client.
func (j *Job) finish(summary *pipeline.VideoSummary, err error) {
	j.once.Do(func() {
		j.mu.Lock()
		switch {
		case err == nil:
			j.status = JobDone
		case errors.Is(err, context.Canceled):
			j.status = JobCancelled
		default:
			j.status = JobFailed
		}
		if err != nil {
			j.errMsg = err.Error()
		}
		if summary != nil {
			j.summary = summary
		}
		if j.export != nil {
			j.exportPath = j.export.Path
		}
		j.finishedAt = time.Now()
		j.mu.Unlock()

		j.events.Close()
		j.frames.Close()
		close(j.done)
		if j.cancel != nil {
			j.cancel()
		}
	})
}

func (j *Job) completeImage(out *pipeline.ImageOutput) {
	j.mu.Lock()
	j.jpeg = out.Frame.JPEG
	j.result = out.Frame.Result
	j.frameCount = 1
	j.inference = out.Inference
	j.mu.Unlock()
	j.finish(nil, nil)
}

// JobView is the JSON shape of a job.
type JobView struct {
	ID          string                 `json:"job_id"`
	Kind        string                 `json:"kind"`
	FileName    string                 `json:"file_name"`
	Confidence  float64                `json:"confidence"`
	Status      JobStatus              `json:"status"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	Frames      int                    `json:"frames"`
	Width       int                    `json:"width"`
	Height      int                    `json:"height"`
	FPS         float64                `json:"fps,omitempty"`
	InferenceMS int64                  `json:"inference_ms,omitempty"`
	Detections  []Detection            `json:"detections"`
	Counts      map[string]int         `json:"counts"`
	Summary     *pipeline.VideoSummary `json:"summary,omitempty"`

	ImageURL    string `json:"image_url,omitempty"`
	StreamURL   string `json:"stream_url,omitempty"`
	EventsURL   string `json:"events_url,omitempty"`
	FrameURL    string `json:"frame_url,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// View snapshots the job for the API.
func (j *Job) View() JobView {
	j.mu.RLock()
	defer j.mu.RUnlock()

	base := "/api/jobs/" + j.ID
	v := JobView{
		ID:          j.ID,
		Kind:        j.Kind.String(),
		FileName:    j.FileName,
		Confidence:  j.Confidence,
		Status:      j.status,
		Error:       j.errMsg,
		CreatedAt:   j.CreatedAt,
		Frames:      j.frameCount,
		Width:       j.info.Width,
		Height:      j.info.Height,
		FPS:         j.info.FPS,
		InferenceMS: j.inference.Milliseconds(),
		Detections:  toDetections(j.result),
		Counts:      j.result.CountByClass(),
		Summary:     j.summary,
	}
	if j.result != nil && v.Width == 0 {
		v.Width, v.Height = j.result.Width, j.result.Height
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		v.FinishedAt = &t
	}
	switch j.Kind {
	case media.KindImage:
		v.ImageURL = base + "/image"
	case media.KindVideo:
		v.StreamURL = base + "/stream"
		v.EventsURL = base + "/events"
		v.FrameURL = base + "/frame"
	}
	if j.exportPath != "" {
		v.DownloadURL = base + "/download"
	}
	return v
}

// JobStore keeps jobs in memory until they are deleted or swept.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	onEvent func(DetectionEvent)

	scheduler gocron.Scheduler
}

// NewJobStore creates an empty store. onEvent, if set, sees every
// detection event of every video job.
func NewJobStore(onEvent func(DetectionEvent)) *JobStore {
	return &JobStore{
		jobs:    make(map[string]*Job),
		onEvent: onEvent,
	}
}

func (s *JobStore) add(j *Job) {
	j.onEvent = s.onEvent
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
}

// AddImage registers a finished image job.
func (s *JobStore) AddImage(name string, conf float64, out *pipeline.ImageOutput) *Job {
	j := newJob(media.KindImage, name, conf)
	j.completeImage(out)
	s.add(j)
	return j
}

// VideoFunc processes one video job, handing its frames to the job.
type VideoFunc func(ctx context.Context, j *Job) (*pipeline.VideoSummary, error)

// StartVideo registers a running video job and runs it on its own
// goroutine. export, if non-nil, supplies the download path when the job
// ends.
func (s *JobStore) StartVideo(parent context.Context, name string, conf float64, export *pipeline.ExportSink, run VideoFunc) *Job {
	ctx, cancel := context.WithCancel(parent)
	j := newJob(media.KindVideo, name, conf)
	j.cancel = cancel
	j.export = export
	s.add(j)

	go func() {
		summary, err := run(ctx, j)
		j.finish(summary, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Jobs", "Job %s (%s) failed: %v", j.ID, name, err)
		}
	}()
	return j
}

// Get looks up a job by id.
func (s *JobStore) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// List returns every job, newest first.
func (s *JobStore) List() []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// Counts returns the number of jobs and how many are still running.
func (s *JobStore) Counts() (total, running int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Status() == JobRunning {
			running++
		}
	}
	return len(s.jobs), running
}

// Delete cancels a running job and forgets it, removing its export.
func (s *JobStore) Delete(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	s.discard(j)
	return nil
}

func (s *JobStore) discard(j *Job) {
	if j.cancel != nil {
		j.cancel()
	}
	go func() {
		<-j.done
		if path := j.ExportPath(); path != "" {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("Jobs", "Failed to remove %s: %v", path, err)
			}
		}
	}()
}

// Sweep forgets jobs that finished more than ttl before now.
func (s *JobStore) Sweep(ttl time.Duration, now time.Time) int {
	var expired []*Job
	s.mu.Lock()
	for id, j := range s.jobs {
		j.mu.RLock()
		old := !j.finishedAt.IsZero() && now.Sub(j.finishedAt) > ttl
		j.mu.RUnlock()
		if old {
			expired = append(expired, j)
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	for _, j := range expired {
		s.discard(j)
	}
	if len(expired) > 0 {
		logger.Info("Jobs", "Swept %d finished job(s) older than %v", len(expired), ttl)
	}
	return len(expired)
}

// StartSweeper schedules Sweep every interval.
func (s *JobStore) StartSweeper(interval, ttl time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.Sweep(ttl, time.Now()) }),
	)
	if err != nil {
		_ = sched.Shutdown()
		return err
	}
	sched.Start()

	s.mu.Lock()
	s.scheduler = sched
	s.mu.Unlock()
	logger.Info("Jobs", "Sweeping finished jobs every %v (ttl %v)", interval, ttl)
	return nil
}

// Close stops the sweeper and cancels every running job.
func (s *JobStore) Close() error {
	s.mu.Lock()
	sched := s.scheduler
	s.scheduler = nil
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		if j.cancel != nil {
			j.cancel()
		}
	}
	if sched != nil {
		return sched.Shutdown()
	}
	return nil
}
