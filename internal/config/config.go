package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/straja-ai/imgguard/internal/logging"
	"github.com/straja-ai/imgguard/internal/policy"
)

// Config holds imgguard configuration.
type Config struct {
	Redaction RedactionConfig `yaml:"redaction"`
	Detector  DetectorConfig  `yaml:"detector"`
	Output    OutputConfig    `yaml:"output"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Audit     AuditConfig     `yaml:"audit"`
}

type RedactionConfig struct {
	Enabled        *bool    `yaml:"enabled"`
	Labels         []string `yaml:"labels"`
	ScoreThreshold float64  `yaml:"score_threshold"`
	MinAreaRatio   *float64 `yaml:"min_area_ratio"` // unset disables the area gate
	PadRatio       float64  `yaml:"pad_ratio"`
	Style          string   `yaml:"style"`      // pixelate | solid
	BlockSize      int      `yaml:"block_size"` // pixelate only, floored at 8
	FillColor      any      `yaml:"fill_color"` // "RRGGBB", "#RRGGBB", "R,G,B" or [R,G,B]
	FailMode       string   `yaml:"fail_mode"`  // open | closed
}

type DetectorConfig struct {
	Type           string             `yaml:"type"` // nudenet | http | none
	TimeoutSeconds int                `yaml:"timeout_seconds"`
	Serialize      bool               `yaml:"serialize"`
	NudeNet        NudeNetConfig      `yaml:"nudenet"`
	HTTP           HTTPDetectorConfig `yaml:"http"`
}

type NudeNetConfig struct {
	ModelDir               string `yaml:"model_dir"`
	ModelFile              string `yaml:"model_file"`
	ModelURL               string `yaml:"model_url"`
	ModelSHA256            string `yaml:"model_sha256"`
	AutoDownload           bool   `yaml:"auto_download"`
	DownloadTimeoutSeconds int    `yaml:"download_timeout_seconds"`
	InputSize              int    `yaml:"input_size"`
	IntraOpThreads         int    `yaml:"intra_op_threads"`
	InterOpThreads         int    `yaml:"inter_op_threads"`
}

type HTTPDetectorConfig struct {
	URL                  string `yaml:"url"`
	TokenEnv             string `yaml:"token_env"`
	AllowPrivateNetworks bool   `yaml:"allow_private_networks"`
}

type OutputConfig struct {
	Dir     string `yaml:"dir"` // empty writes next to the input
	Suffix  string `yaml:"suffix"`
	Quality int    `yaml:"quality"`
	Workers int    `yaml:"workers"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Protocol    string `yaml:"protocol"` // grpc | http
	ServiceName string `yaml:"service_name"`
}

type AuditConfig struct {
	QueueSize int               `yaml:"queue_size"`
	Workers   int               `yaml:"workers"`
	LogEvents bool              `yaml:"log_events"`
	Sinks     []AuditSinkConfig `yaml:"sinks"`
}

type AuditSinkConfig struct {
	Type           string `yaml:"type"` // file_jsonl | webhook
	Path           string `yaml:"path"`
	MaxBytes       int64  `yaml:"max_bytes"`
	URL            string `yaml:"url"`
	TokenEnv       string `yaml:"token_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
}

const (
	DefaultModelURL  = "https://github.com/notAI-tech/NudeNet/releases/download/v3.4-weights/320n.onnx"
	defaultModelFile = "320n.onnx"
)

// Load reads configuration from a YAML file and applies environment overrides.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// defaultConfig seeds fields whose zero value is a legal setting, so the file
// and env overrides can set them to zero; applyDefaults fills the rest.
func defaultConfig() *Config {
	cfg := &Config{
		Redaction: RedactionConfig{ScoreThreshold: policy.DefaultScoreThreshold},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	r := &cfg.Redaction
	if r.Enabled == nil {
		enabled := true
		r.Enabled = &enabled
	}
	if len(r.Labels) == 0 {
		r.Labels = append([]string(nil), policy.DefaultLabels...)
	}
	if r.Style == "" {
		r.Style = "pixelate"
	}
	if r.BlockSize == 0 {
		r.BlockSize = policy.DefaultBlockSize
	}
	if r.FailMode == "" {
		r.FailMode = "open"
	}

	d := &cfg.Detector
	if d.Type == "" {
		d.Type = "nudenet"
	}
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = 30
	}
	if d.NudeNet.ModelDir == "" {
		d.NudeNet.ModelDir = defaultModelDir()
	}
	if d.NudeNet.ModelFile == "" {
		d.NudeNet.ModelFile = defaultModelFile
	}
	if d.NudeNet.ModelURL == "" {
		d.NudeNet.ModelURL = DefaultModelURL
	}
	if d.NudeNet.DownloadTimeoutSeconds <= 0 {
		d.NudeNet.DownloadTimeoutSeconds = 300
	}
	if d.NudeNet.InputSize <= 0 {
		d.NudeNet.InputSize = 320
	}

	if cfg.Output.Suffix == "" {
		cfg.Output.Suffix = "_censored"
	}
	if cfg.Output.Quality == 0 {
		cfg.Output.Quality = 90
	}
	if cfg.Output.Workers <= 0 {
		cfg.Output.Workers = 4
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "imgguard"
	}

	if cfg.Audit.QueueSize <= 0 {
		cfg.Audit.QueueSize = 256
	}
	if cfg.Audit.Workers <= 0 {
		cfg.Audit.Workers = 1
	}
}

// applyEnv honours the MOSAIC_* deployment variables. Unparseable values are logged
// and ignored.
func applyEnv(cfg *Config) {
	if v, ok := lookup("MOSAIC_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			logging.Logf("config: MOSAIC_ENABLED=%q is not a boolean; treating as false", v)
		}
		cfg.Redaction.Enabled = &enabled
	}
	if v, ok := lookup("MOSAIC_BLOCK"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redaction.BlockSize = n
		} else {
			logging.Logf("config: ignoring MOSAIC_BLOCK=%q: %v", v, err)
		}
	}
	if v, ok := lookup("MOSAIC_SCORE_TH"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Redaction.ScoreThreshold = f
		} else {
			logging.Logf("config: ignoring MOSAIC_SCORE_TH=%q: %v", v, err)
		}
	}
	if v, ok := lookup("SENSITIVE_LABELS"); ok {
		cfg.Redaction.Labels = policy.Policy{Labels: policy.ParseLabelList(v)}.SortedLabels()
	}
	if v, ok := lookup("IMGGUARD_MODEL_URL"); ok {
		cfg.Detector.NudeNet.ModelURL = v
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func defaultModelDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "imgguard")
	}
	return ".imgguard"
}

// Policy builds the redaction policy. Call Validate first; invalid styles or fail
// modes fall back to pixelate and fail-open.
func (c *Config) Policy() policy.Policy {
	r := c.Redaction
	p := policy.Policy{
		Enabled:        r.Enabled == nil || *r.Enabled,
		Labels:         policy.NewLabelSet(r.Labels...),
		ScoreThreshold: r.ScoreThreshold,
		PadRatio:       r.PadRatio,
		Style:          policy.Pixelate{BlockSize: r.BlockSize},
	}
	if r.MinAreaRatio != nil {
		ratio := *r.MinAreaRatio
		p.MinAreaRatio = &ratio
	}
	if strings.EqualFold(strings.TrimSpace(r.Style), "solid") {
		fill := policy.FallbackColor
		if r.FillColor != nil {
			fill = policy.ColorOrFallback(r.FillColor)
		}
		p.Style = policy.SolidFill{Color: fill}
	}
	if mode, ok := policy.ParseFailMode(r.FailMode); ok {
		p.FailMode = mode
	}
	return p
}

// DetectorTimeout returns the per-call detection deadline.
func (c *Config) DetectorTimeout() time.Duration {
	return time.Duration(c.Detector.TimeoutSeconds) * time.Second
}
