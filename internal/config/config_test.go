package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	s := cfg.Confidence
	if s.Min != 0 || s.Max != 1 || s.Default != 0.50 || s.Step != 0.05 {
		t.Fatalf("slider = %+v, want 0..1 default 0.50 step 0.05", s)
	}
}

func TestLoadFileOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ppe.yaml")
	data := `
addr: ":9000"
model:
  backend: remote
  url: http://inference:5000/predict
  classes: [helmet, vest]
confidence:
  default: 0.35
job_ttl: 5m
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.Model.Backend != "remote" {
		t.Fatalf("unexpected cfg: addr=%q backend=%q", cfg.Addr, cfg.Model.Backend)
	}
	if got := strings.Join(cfg.Model.Classes, ","); got != "helmet,vest" {
		t.Fatalf("classes = %q", got)
	}
	if cfg.Confidence.Default != 0.35 || cfg.Confidence.Step != 0.05 {
		t.Fatalf("confidence = %+v", cfg.Confidence)
	}
	if cfg.JobTTL != 5*time.Minute {
		t.Fatalf("job ttl = %v", cfg.JobTTL)
	}
	if cfg.Model.InputSize != 640 {
		t.Fatalf("unset key lost its default: input size %d", cfg.Model.InputSize)
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Default()
	if err := cfg.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PPE_MODEL_PATH":      "/models/ppe.onnx",
		"PPE_CONFIDENCE":      "0.25",
		"PPE_KEEP_TEMP_FILES": "true",
		"PPE_CLASSES":         "a, b ,c",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Model.Path != "/models/ppe.onnx" || cfg.Confidence.Default != 0.25 || !cfg.KeepTempFiles {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if got := strings.Join(cfg.Model.Classes, "|"); got != "a|b|c" {
		t.Fatalf("classes = %q", got)
	}
}

func TestApplyEnvBadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "PPE_CONFIDENCE" {
			return "high", true
		}
		return "", false
	})
	if err == nil || !strings.Contains(err.Error(), "PPE_CONFIDENCE") {
		t.Fatalf("expected PPE_CONFIDENCE error, got %v", err)
	}
}

func TestFlagsOverride(t *testing.T) {
	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse([]string{"-conf", "0.8", "-model-backend", "ws", "-classes", "x,y", "-keep-temp"}); err != nil {
		t.Fatal(err)
	}
	if cfg.Confidence.Default != 0.8 || cfg.Model.Backend != "ws" || !cfg.KeepTempFiles {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if len(cfg.Model.Classes) != 2 {
		t.Fatalf("classes = %v", cfg.Model.Classes)
	}
}

func TestResultFilterFlags(t *testing.T) {
	cfg := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse([]string{"-show-classes", "NO-Hardhat,NO-Safety Vest", "-min-box-area", "64", "-hide-confidence"}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(cfg.Model.ShowClasses, "|"); got != "NO-Hardhat|NO-Safety Vest" {
		t.Fatalf("show classes = %q", got)
	}
	if cfg.Model.MinBoxArea != 64 || !cfg.HideConfidence {
		t.Fatalf("cfg = %+v hide=%v", cfg.Model, cfg.HideConfidence)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"default above max", func(c *Config) { c.Confidence.Default = 1.5 }, "default confidence"},
		{"bad step", func(c *Config) { c.Confidence.Step = 0 }, "step"},
		{"iou", func(c *Config) { c.Model.IOUThreshold = -0.1 }, "iou"},
		{"input size", func(c *Config) { c.Model.InputSize = 100 }, "input size"},
		{"no classes", func(c *Config) { c.Model.Classes = nil }, "class"},
		{"quality", func(c *Config) { c.JPEGQuality = 0 }, "jpeg quality"},
		{"unknown show class", func(c *Config) { c.Model.ShowClasses = []string{"Helmet"} }, "show class"},
		{"negative area", func(c *Config) { c.Model.MinBoxArea = -1 }, "min box area"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ppe.yaml")
	if err := os.WriteFile(path, []byte("addr: \":7000\"\nconfidence:\n  default: 0.3\nlog_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	env := map[string]string{"PPE_CONFIDENCE": "0.4", "PPE_LOG_LEVEL": "warn"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg, fs, err := Load("test", []string{"-config=" + path, "-conf", "0.45"}, lookup)
	if err != nil {
		t.Fatal(err)
	}
	if fs.Lookup("config").Value.String() != path {
		t.Fatalf("config flag = %q", fs.Lookup("config").Value.String())
	}
	if cfg.Addr != ":7000" || cfg.LogLevel != "warn" || cfg.Confidence.Default != 0.45 {
		t.Fatalf("cfg addr=%q log=%q conf=%v", cfg.Addr, cfg.LogLevel, cfg.Confidence.Default)
	}

	env["PPE_CONFIG"] = path
	cfg, _, err = Load("test", nil, lookup)
	if err != nil || cfg.Addr != ":7000" || cfg.Confidence.Default != 0.4 {
		t.Fatalf("PPE_CONFIG: cfg=%+v err=%v", cfg.Confidence, err)
	}

	if _, _, err := Load("test", []string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, lookup); err == nil {
		t.Fatal("missing config file accepted")
	}
	if _, _, err := Load("test", []string{"-conf", "2"}, func(string) (string, bool) { return "", false }); err == nil {
		t.Fatal("out of range confidence accepted")
	}
}

func TestConfigPath(t *testing.T) {
	cases := map[string][]string{
		"a.yaml": {"-config", "a.yaml"},
		"b.yaml": {"--config=b.yaml", "-http", ":1"},
		"":       {"-http", ":1", "--", "-config", "c.yaml"},
	}
	for want, args := range cases {
		if got := configPath(args); got != want {
			t.Errorf("configPath(%q) = %q, want %q", args, got, want)
		}
	}
}
