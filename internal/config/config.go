package config

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PPE_MODEL_PATH.
const EnvPrefix = "PPE_"

// ModelConfig selects and parameterizes the detection backend.
type ModelConfig struct {
	Backend      string        `yaml:"backend"`
	Path         string        `yaml:"path"`
	URL          string        `yaml:"url"`
	RuntimeLib   string        `yaml:"runtime_lib"`
	Classes      []string      `yaml:"classes"`
	InputSize    int           `yaml:"input_size"`
	IOUThreshold float64       `yaml:"iou_threshold"`
	Timeout      time.Duration `yaml:"timeout"`

	// ShowClasses limits results to these class names (empty: all).
	ShowClasses []string `yaml:"show_classes"`
	// MinBoxArea drops boxes smaller than this many pixels.
	MinBoxArea int `yaml:"min_box_area"`
}

// SliderConfig mirrors the confidence slider shown in the sidebar.
type SliderConfig struct {
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Default float64 `yaml:"default"`
	Step    float64 `yaml:"step"`
}

// Config defines the runtime configuration for the detection server.
type Config struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	PprofAddr   string `yaml:"pprof_addr"`
	AssetsDir   string `yaml:"assets_dir"`

	Model      ModelConfig  `yaml:"model"`
	Confidence SliderConfig `yaml:"confidence"`

	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	TempDir        string `yaml:"temp_dir"`
	KeepTempFiles  bool   `yaml:"keep_temp_files"`
	FFmpegPath     string `yaml:"ffmpeg_path"`
	FFprobePath    string `yaml:"ffprobe_path"`
	VideoDecoder   string `yaml:"video_decoder"`

	ExportVideo bool   `yaml:"export_video"`
	ExportDir   string `yaml:"export_dir"`

	JobTTL         time.Duration `yaml:"job_ttl"`
	StatusInterval time.Duration `yaml:"status_interval"`
	JPEGQuality    int           `yaml:"jpeg_quality"`
	HideConfidence bool          `yaml:"hide_confidence"`

	MaxWebRTCClients int      `yaml:"max_webrtc_clients"`
	STUNServers      []string `yaml:"stun_servers"`

	LogLevel string `yaml:"log_level"`
	LogColor bool   `yaml:"log_color"`
}

// DefaultClasses are the labels of the bundled PPE model, in output order.
var DefaultClasses = []string{
	"Hardhat", "Mask", "NO-Hardhat", "NO-Mask", "NO-Safety Vest",
	"Person", "Safety Cone", "Safety Vest", "machinery", "vehicle",
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Addr:        ":8080",
		MetricsAddr: "",
		PprofAddr:   "",
		Model: ModelConfig{
			Backend:      "onnx",
			Path:         "best.onnx",
			URL:          "http://localhost:5000/predict",
			Classes:      append([]string(nil), DefaultClasses...),
			InputSize:    640,
			IOUThreshold: 0.7,
			Timeout:      30 * time.Second,
		},
		Confidence: SliderConfig{
			Min:     0.0,
			Max:     1.0,
			Default: 0.50,
			Step:    0.05,
		},
		MaxUploadBytes:   200 << 20,
		TempDir:          os.TempDir(),
		FFmpegPath:       "ffmpeg",
		FFprobePath:      "ffprobe",
		VideoDecoder:     "ffmpeg",
		ExportDir:        filepath.Clean("./exports"),
		JobTTL:           30 * time.Minute,
		StatusInterval:   2 * time.Second,
		JPEGQuality:      85,
		MaxWebRTCClients: 10,
		STUNServers:      []string{"stun:stun.l.google.com:19302"},
		LogLevel:         "info",
		LogColor:         true,
	}
}

// LoadFile overlays a YAML file onto c. Missing keys keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays PPE_* environment variables onto c.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *float64) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("ADDR", &c.Addr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("MODEL_BACKEND", &c.Model.Backend)
	str("MODEL_PATH", &c.Model.Path)
	str("INFERENCE_URL", &c.Model.URL)
	str("ONNXRUNTIME_LIB", &c.Model.RuntimeLib)
	str("TEMP_DIR", &c.TempDir)
	str("EXPORT_DIR", &c.ExportDir)
	str("FFMPEG", &c.FFmpegPath)
	str("FFPROBE", &c.FFprobePath)
	str("VIDEO_DECODER", &c.VideoDecoder)
	str("LOG_LEVEL", &c.LogLevel)
	num("CONFIDENCE", &c.Confidence.Default)
	num("IOU", &c.Model.IOUThreshold)
	boolean("KEEP_TEMP_FILES", &c.KeepTempFiles)
	boolean("EXPORT_VIDEO", &c.ExportVideo)

	boolean("HIDE_CONFIDENCE", &c.HideConfidence)

	if v, ok := lookup(EnvPrefix + "CLASSES"); ok && v != "" {
		c.Model.Classes = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "SHOW_CLASSES"); ok && v != "" {
		c.Model.ShowClasses = splitList(v)
	}
	return errors.Join(errs...)
}

// RegisterFlags binds command-line flags to c. Call after LoadFile/ApplyEnv
// so flag defaults show the effective values.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "http", c.Addr, "HTTP server address")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Separate Prometheus metrics address (empty: serve on -http)")
	fs.StringVar(&c.PprofAddr, "pprof", c.PprofAddr, "pprof server address (empty: disabled)")
	fs.StringVar(&c.AssetsDir, "assets", c.AssetsDir, "Directory overriding the embedded web assets")
	fs.StringVar(&c.Model.Backend, "model-backend", c.Model.Backend, "Detection backend (onnx, remote, ws)")
	fs.StringVar(&c.Model.Path, "model", c.Model.Path, "Model file for the onnx backend")
	fs.StringVar(&c.Model.URL, "inference-url", c.Model.URL, "Inference service URL for the remote/ws backends")
	fs.StringVar(&c.Model.RuntimeLib, "onnxruntime-lib", c.Model.RuntimeLib, "Path to the onnxruntime shared library")
	fs.IntVar(&c.Model.InputSize, "input-size", c.Model.InputSize, "Model input size in pixels")
	fs.Float64Var(&c.Model.IOUThreshold, "iou", c.Model.IOUThreshold, "NMS IoU threshold")
	fs.IntVar(&c.Model.MinBoxArea, "min-box-area", c.Model.MinBoxArea, "Drop boxes smaller than this many pixels")
	fs.BoolVar(&c.HideConfidence, "hide-confidence", c.HideConfidence, "Draw class names without scores")
	fs.Float64Var(&c.Confidence.Default, "conf", c.Confidence.Default, "Default confidence threshold shown on the slider")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload", c.MaxUploadBytes, "Maximum upload size in bytes")
	fs.StringVar(&c.TempDir, "temp-dir", c.TempDir, "Directory for uploaded video files")
	fs.BoolVar(&c.KeepTempFiles, "keep-temp", c.KeepTempFiles, "Keep uploaded video files after processing")
	fs.StringVar(&c.FFmpegPath, "ffmpeg", c.FFmpegPath, "ffmpeg binary")
	fs.StringVar(&c.FFprobePath, "ffprobe", c.FFprobePath, "ffprobe binary")
	fs.StringVar(&c.VideoDecoder, "decoder", c.VideoDecoder, "Video decoder (ffmpeg, or gocv when built with -tags gocv)")
	fs.BoolVar(&c.ExportVideo, "export", c.ExportVideo, "Encode annotated videos to MP4 for download")
	fs.StringVar(&c.ExportDir, "export-dir", c.ExportDir, "Directory for exported videos")
	fs.DurationVar(&c.JobTTL, "job-ttl", c.JobTTL, "How long finished jobs are kept")
	fs.IntVar(&c.MaxWebRTCClients, "max-webrtc-clients", c.MaxWebRTCClients, "Maximum WebRTC clients")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.LogColor, "log-color", c.LogColor, "Enable colored log output")
	fs.Func("classes", "Comma-separated class names in model output order", func(v string) error {
		c.Model.Classes = splitList(v)
		return nil
	})
	fs.Func("show-classes", "Comma-separated class names to keep (empty: all)", func(v string) error {
		c.Model.ShowClasses = splitList(v)
		return nil
	})
	fs.Func("stun", "STUN server URLs (comma-separated)", func(v string) error {
		c.STUNServers = splitList(v)
		return nil
	})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	s := c.Confidence
	if !inUnit(s.Min) || !inUnit(s.Max) || s.Min >= s.Max {
		errs = append(errs, fmt.Errorf("confidence range [%v, %v] must lie within [0, 1]", s.Min, s.Max))
	}
	if s.Default < s.Min || s.Default > s.Max || math.IsNaN(s.Default) {
		errs = append(errs, fmt.Errorf("default confidence %v outside [%v, %v]", s.Default, s.Min, s.Max))
	}
	if s.Step <= 0 || s.Step > s.Max-s.Min {
		errs = append(errs, fmt.Errorf("confidence step %v invalid", s.Step))
	}
	if !inUnit(c.Model.IOUThreshold) {
		errs = append(errs, fmt.Errorf("iou threshold %v outside [0, 1]", c.Model.IOUThreshold))
	}
	if c.Model.Backend == "" {
		errs = append(errs, errors.New("model backend is required"))
	}
	if c.Model.InputSize <= 0 || c.Model.InputSize%32 != 0 {
		errs = append(errs, fmt.Errorf("input size %d must be a positive multiple of 32", c.Model.InputSize))
	}
	if c.Model.MinBoxArea < 0 {
		errs = append(errs, fmt.Errorf("min box area %d is negative", c.Model.MinBoxArea))
	}
	for _, name := range c.Model.ShowClasses {
		if !slices.Contains(c.Model.Classes, name) {
			errs = append(errs, fmt.Errorf("show class %q is not a model class", name))
		}
	}
	if len(c.Model.Classes) == 0 {
		errs = append(errs, errors.New("at least one class name is required"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload size must be positive"))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality %d outside [1, 100]", c.JPEGQuality))
	}
	if c.JobTTL <= 0 {
		errs = append(errs, errors.New("job ttl must be positive"))
	}
	return errors.Join(errs...)
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load builds the effective configuration from defaults, the YAML file
// named by -config (or PPE_CONFIG), the environment and finally args.
func Load(name string, args []string, lookup func(string) (string, bool)) (Config, *flag.FlagSet, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()

	path := configPath(args)
	if path == "" {
		if v, ok := lookup(EnvPrefix + "CONFIG"); ok {
			path = v
		}
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, nil, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, nil, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", path, "YAML configuration file")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, fs, err
	}
	return cfg, fs, cfg.Validate()
}

// configPath finds the value of -config in args without parsing the rest.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
