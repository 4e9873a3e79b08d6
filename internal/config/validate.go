package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"

	"github.com/straja-ai/imgguard/internal/policy"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validateRedactionConfig(cfg.Redaction); err != nil {
		return err
	}
	if err := validateDetectorConfig(cfg.Detector); err != nil {
		return err
	}
	if cfg.Output.Quality < 1 || cfg.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100, got %d", cfg.Output.Quality)
	}
	if strings.ContainsAny(cfg.Output.Suffix, `/\`) {
		return fmt.Errorf("output.suffix must not contain path separators, got %q", cfg.Output.Suffix)
	}
	if err := validateAuditConfig(cfg.Audit); err != nil {
		return err
	}
	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}
	return nil
}

func validateRedactionConfig(r RedactionConfig) error {
	if len(policy.NewLabelSet(r.Labels...)) == 0 {
		return errors.New("redaction.labels must contain at least one label")
	}
	if !finite(r.ScoreThreshold) || r.ScoreThreshold < 0 || r.ScoreThreshold > 1 {
		return fmt.Errorf("redaction.score_threshold must be within [0,1], got %v", r.ScoreThreshold)
	}
	if r.MinAreaRatio != nil {
		if v := *r.MinAreaRatio; !finite(v) || v < 0 || v > 1 {
			return fmt.Errorf("redaction.min_area_ratio must be within [0,1], got %v", v)
		}
	}
	if !finite(r.PadRatio) || r.PadRatio < 0 {
		return fmt.Errorf("redaction.pad_ratio must be >= 0, got %v", r.PadRatio)
	}
	switch strings.ToLower(strings.TrimSpace(r.Style)) {
	case "pixelate":
		if r.BlockSize < 0 {
			return fmt.Errorf("redaction.block_size must be positive, got %d", r.BlockSize)
		}
	case "solid":
	default:
		return fmt.Errorf("redaction.style must be pixelate or solid, got %q", r.Style)
	}
	if _, ok := policy.ParseFailMode(r.FailMode); !ok {
		return fmt.Errorf("redaction.fail_mode must be open or closed, got %q", r.FailMode)
	}
	return nil
}

func validateDetectorConfig(d DetectorConfig) error {
	switch strings.ToLower(strings.TrimSpace(d.Type)) {
	case "none":
	case "nudenet":
		if strings.TrimSpace(d.NudeNet.ModelDir) == "" {
			return errors.New("detector.nudenet.model_dir must be set")
		}
		if d.NudeNet.InputSize%32 != 0 {
			return fmt.Errorf("detector.nudenet.input_size must be a multiple of 32, got %d", d.NudeNet.InputSize)
		}
		if d.NudeNet.AutoDownload {
			if err := validateHTTPURL("detector.nudenet.model_url", d.NudeNet.ModelURL); err != nil {
				return err
			}
		}
	case "http":
		if err := validateHTTPURL("detector.http.url", d.HTTP.URL); err != nil {
			return err
		}
		u, _ := url.Parse(d.HTTP.URL)
		if err := blockPrivateHost(u.Host, d.HTTP.AllowPrivateNetworks); err != nil {
			return fmt.Errorf("detector.http.url blocked: %w", err)
		}
	default:
		return fmt.Errorf("detector.type must be nudenet, http or none, got %q", d.Type)
	}
	if d.TimeoutSeconds <= 0 {
		return errors.New("detector.timeout_seconds must be positive")
	}
	return nil
}

func validateAuditConfig(a AuditConfig) error {
	for i, s := range a.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("audit sink %d (file_jsonl) missing path", i)
			}
		case "webhook":
			if err := validateHTTPURL(fmt.Sprintf("audit sink %d (webhook) url", i), s.URL); err != nil {
				return err
			}
		default:
			return fmt.Errorf("audit sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s must be set", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s is invalid", field)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be http or https", field)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func blockPrivateHost(hostport string, allowPrivate bool) error {
	if allowPrivate {
		return nil
	}
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if strings.EqualFold(strings.TrimSpace(host), "localhost") {
		return errors.New("private network host localhost blocked for SSRF safety")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return fmt.Errorf("private network IP %s blocked for SSRF safety", ip.String())
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
