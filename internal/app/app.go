// Package app wires configuration into a ready-to-use redaction engine and runs it
// over files on disk.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/straja-ai/imgguard/internal/audit"
	"github.com/straja-ai/imgguard/internal/config"
	"github.com/straja-ai/imgguard/internal/detect"
	"github.com/straja-ai/imgguard/internal/logging"
	"github.com/straja-ai/imgguard/internal/modelstore"
	"github.com/straja-ai/imgguard/internal/nudenet"
	"github.com/straja-ai/imgguard/internal/pipeline"
	"github.com/straja-ai/imgguard/internal/policy"
	"github.com/straja-ai/imgguard/internal/telemetry"
)

// Runtime owns the long-lived collaborators of one process.
type Runtime struct {
	Config *config.Config
	Engine *pipeline.Engine
	Policy policy.Policy

	telemetry *telemetry.Provider
	audit     *audit.Emitter
	closeDet  func() error
}

// New validates cfg and builds the engine. The detector is not loaded until the
// first image is processed.
func New(ctx context.Context, cfg *config.Config, version string) (*Runtime, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.ServiceName,
		Version:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	emitter, err := newEmitter(cfg.Audit)
	if err != nil {
		tp.Shutdown(ctx)
		return nil, err
	}

	det, closeDet := BuildDetector(cfg)
	return &Runtime{
		Config: cfg,
		Engine: &pipeline.Engine{
			Detector:     det,
			DetectorName: cfg.Detector.Type,
			Telemetry:    tp,
			Audit:        emitter,
		},
		Policy:    cfg.Policy(),
		telemetry: tp,
		audit:     emitter,
		closeDet:  closeDet,
	}, nil
}

// Close drains audit events, flushes telemetry and releases the detector.
func (r *Runtime) Close(ctx context.Context) {
	if r == nil {
		return
	}
	r.audit.Close(ctx)
	r.telemetry.Shutdown(ctx)
	if r.closeDet != nil {
		if err := r.closeDet(); err != nil {
			logging.Logf("app: close detector: %v", err)
		}
	}
}

// BuildDetector returns the configured detector and a function releasing it.
func BuildDetector(cfg *config.Config) (*detect.Adapter, func() error) {
	d := cfg.Detector
	opts := detect.Options{
		Timeout:   cfg.DetectorTimeout(),
		Serialize: d.Serialize,
		Name:      d.Type,
	}

	switch strings.ToLower(strings.TrimSpace(d.Type)) {
	case "http":
		token := ""
		if d.HTTP.TokenEnv != "" {
			token = os.Getenv(d.HTTP.TokenEnv)
		}
		return detect.NewAdapter(func(context.Context) (detect.Backend, error) {
			b, err := detect.NewHTTPBackend(d.HTTP.URL, token, cfg.DetectorTimeout())
			if err != nil {
				return nil, err
			}
			return b, nil
		}, opts), nil

	case "nudenet":
		var (
			mu    sync.Mutex
			model *nudenet.Model
		)
		nn := d.NudeNet
		load := func(ctx context.Context) (detect.Backend, error) {
			path, err := ensureModel(ctx, nn)
			if err != nil {
				return nil, err
			}
			m, err := nudenet.LoadModel(path, nudenet.Options{
				InputSize: nn.InputSize,
				IntraOp:   nn.IntraOpThreads,
				InterOp:   nn.InterOpThreads,
			})
			if err != nil {
				return nil, err
			}
			mu.Lock()
			model = m
			mu.Unlock()
			logging.Logf("app: nudenet model loaded from %s", path)
			return m, nil
		}
		closer := func() error {
			mu.Lock()
			defer mu.Unlock()
			return model.Close()
		}
		return detect.NewAdapter(load, opts), closer

	default:
		return detect.Unavailable("detector disabled in config"), nil
	}
}

func ensureModel(ctx context.Context, nn config.NudeNetConfig) (string, error) {
	src := ModelSource(nn)
	if !nn.AutoDownload {
		path := filepath.Join(nn.ModelDir, src.Name())
		if !modelstore.Present(nn.ModelDir, src) {
			return "", fmt.Errorf("model %s missing or unverified; run `imgguard fetch-model` or set detector.nudenet.auto_download", path)
		}
		return path, nil
	}
	return modelstore.Ensure(ctx, nn.ModelDir, src, time.Duration(nn.DownloadTimeoutSeconds)*time.Second)
}

// ModelSource describes the configured NudeNet model file.
func ModelSource(nn config.NudeNetConfig) modelstore.Source {
	return modelstore.Source{
		URL:      nn.ModelURL,
		SHA256:   nn.ModelSHA256,
		FileName: nn.ModelFile,
	}
}

func newEmitter(cfg config.AuditConfig) (*audit.Emitter, error) {
	var sinks []audit.Sink
	if cfg.LogEvents {
		sinks = append(sinks, audit.LogSink{})
	}
	for i, s := range cfg.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			fs, err := audit.NewFileSink(s.Path, s.MaxBytes)
			if err != nil {
				closeSinks(sinks)
				return nil, fmt.Errorf("audit sink %d: %w", i, err)
			}
			sinks = append(sinks, fs)
		case "webhook":
			token := ""
			if s.TokenEnv != "" {
				token = os.Getenv(s.TokenEnv)
			}
			ws, err := audit.NewWebhookSink(s.URL, token, time.Duration(s.TimeoutSeconds)*time.Second, s.Retries)
			if err != nil {
				closeSinks(sinks)
				return nil, fmt.Errorf("audit sink %d: %w", i, err)
			}
			sinks = append(sinks, ws)
		default:
			closeSinks(sinks)
			return nil, fmt.Errorf("audit sink %d has unknown type %q", i, s.Type)
		}
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return audit.NewEmitter(audit.EmitterConfig{QueueSize: cfg.QueueSize, Workers: cfg.Workers}, sinks), nil
}

func closeSinks(sinks []audit.Sink) {
	var errs []error
	for _, s := range sinks {
		errs = append(errs, s.Close(context.Background()))
	}
	if err := errors.Join(errs...); err != nil {
		logging.Logf("app: close audit sinks: %v", err)
	}
}
