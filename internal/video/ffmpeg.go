package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dj-oyu/ppe-detection-app/internal/logger"
)

// DefaultDecoder is the implementation used when none is configured.
const DefaultDecoder = "ffmpeg"

func init() {
	Register(DefaultDecoder, func(o Options) Opener { return NewFFmpeg(o) })
}

// FFmpeg decodes through ffprobe and ffmpeg subprocesses.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
}

// NewFFmpeg returns an FFmpeg opener. Empty paths fall back to $PATH lookups.
func NewFFmpeg(o Options) *FFmpeg {
	f := &FFmpeg{ffmpeg: o.FFmpegPath, ffprobe: o.FFprobePath}
	if f.ffmpeg == "" {
		f.ffmpeg = "ffmpeg"
	}
	if f.ffprobe == "" {
		f.ffprobe = "ffprobe"
	}
	return f
}

type probeData struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Tags         struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

// Probe reads the geometry and frame rate of the first video stream.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, f.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames:stream_tags=rotate:stream_side_data=rotation",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (Info, error) {
	var data probeData
	if err := json.Unmarshal(output, &data); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(data.Streams) == 0 {
		return Info{}, ErrNoVideoStream
	}
	s := data.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return Info{}, fmt.Errorf("invalid video dimensions %dx%d", s.Width, s.Height)
	}

	fps := parseRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(s.RFrameRate)
	}
	frames, _ := strconv.Atoi(s.NbFrames)

	// ffmpeg applies the display rotation, so quarter turns swap the
	// dimensions of the frames it emits.
	rotation, _ := strconv.ParseFloat(s.Tags.Rotate, 64)
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			rotation = sd.Rotation
		}
	}
	w, h := s.Width, s.Height
	if quarterTurn(rotation) {
		w, h = h, w
	}
	return Info{Width: w, Height: h, FPS: fps, Frames: frames}, nil
}

// quarterTurn reports whether degrees is an odd multiple of 90.
func quarterTurn(degrees float64) bool {
	r := int(math.Round(degrees)) % 180
	return r == 90 || r == -90
}

// parseRate turns "30000/1001" or "25" into frames per second. Invalid
// rates yield 0.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Open probes path and starts an ffmpeg process piping raw RGBA frames.
func (f *FFmpeg) Open(ctx context.Context, path string) (Decoder, error) {
	info, err := f.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, f.ffmpeg,
		"-nostdin",
		"-v", "error",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	logger.Debug("Video", "ffmpeg decoding %s (%dx%d @ %.2f fps)", path, info.Width, info.Height, info.FPS)

	closer := func() error {
		stdout.Close()
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Killed on purpose after the last frame or on cancel.
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				logger.Debug("Video", "ffmpeg: %s", msg)
			}
			return nil
		}
		return err
	}
	return newRawDecoder(stdout, info, closer), nil
}
