package config

import (
	"math"
	"strings"
	"testing"
)

func validConfig() *Config {
	return defaultConfig()
}

func TestValidateFailures(t *testing.T) {
	neg := -0.5
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no labels", func(c *Config) { c.Redaction.Labels = []string{" ", ""} }, "redaction.labels"},
		{"threshold above one", func(c *Config) { c.Redaction.ScoreThreshold = 1.5 }, "redaction.score_threshold"},
		{"threshold NaN", func(c *Config) { c.Redaction.ScoreThreshold = math.NaN() }, "redaction.score_threshold"},
		{"negative area ratio", func(c *Config) { c.Redaction.MinAreaRatio = &neg }, "redaction.min_area_ratio"},
		{"negative pad", func(c *Config) { c.Redaction.PadRatio = -0.1 }, "redaction.pad_ratio"},
		{"unknown style", func(c *Config) { c.Redaction.Style = "blur" }, "redaction.style"},
		{"unknown fail mode", func(c *Config) { c.Redaction.FailMode = "sometimes" }, "redaction.fail_mode"},
		{"unknown detector", func(c *Config) { c.Detector.Type = "yolo9000" }, "detector.type"},
		{"http without url", func(c *Config) { c.Detector.Type = "http" }, "detector.http.url"},
		{"http bad scheme", func(c *Config) {
			c.Detector.Type = "http"
			c.Detector.HTTP.URL = "ftp://detector.example.com"
		}, "http or https"},
		{"http private host", func(c *Config) {
			c.Detector.Type = "http"
			c.Detector.HTTP.URL = "http://127.0.0.1:9000/detect"
		}, "SSRF"},
		{"input size", func(c *Config) { c.Detector.NudeNet.InputSize = 300 }, "input_size"},
		{"auto download without url", func(c *Config) {
			c.Detector.NudeNet.AutoDownload = true
			c.Detector.NudeNet.ModelURL = ""
		}, "model_url"},
		{"quality", func(c *Config) { c.Output.Quality = 101 }, "output.quality"},
		{"suffix", func(c *Config) { c.Output.Suffix = "/x" }, "output.suffix"},
		{"audit sink type", func(c *Config) { c.Audit.Sinks = []AuditSinkConfig{{Type: "kafka"}} }, "unknown type"},
		{"audit file path", func(c *Config) { c.Audit.Sinks = []AuditSinkConfig{{Type: "file_jsonl"}} }, "missing path"},
		{"audit webhook url", func(c *Config) { c.Audit.Sinks = []AuditSinkConfig{{Type: "webhook", URL: "::bad"}} }, "webhook"},
		{"telemetry endpoint", func(c *Config) { c.Telemetry.Enabled = true }, "endpoint"},
		{"telemetry protocol", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Endpoint = "otel:4317"
			c.Telemetry.Protocol = "udp"
		}, "telemetry.protocol"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			} else if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestValidateOK(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	loopbackOK := validConfig()
	loopbackOK.Detector.Type = "http"
	loopbackOK.Detector.HTTP = HTTPDetectorConfig{URL: "http://127.0.0.1:18080/detect", AllowPrivateNetworks: true}
	if err := Validate(loopbackOK); err != nil {
		t.Fatalf("expected loopback allowed when allow_private_networks=true, got %v", err)
	}

	none := validConfig()
	none.Detector.Type = "none"
	none.Redaction.Style = "solid"
	if err := Validate(none); err != nil {
		t.Fatalf("expected detector none to validate, got %v", err)
	}

	if err := Validate(nil); err == nil {
		t.Fatal("nil config must fail")
	}
}
