// Package pipeline runs one image through detection, region filtering, padding and
// painting. A run either publishes a fully painted copy or passes the input through
// untouched.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/straja-ai/imgguard/internal/audit"
	"github.com/straja-ai/imgguard/internal/codec"
	"github.com/straja-ai/imgguard/internal/detect"
	"github.com/straja-ai/imgguard/internal/logging"
	"github.com/straja-ai/imgguard/internal/policy"
	"github.com/straja-ai/imgguard/internal/redactor"
	"github.com/straja-ai/imgguard/internal/region"
	"github.com/straja-ai/imgguard/internal/telemetry"
)

var (
	// ErrDetectorUnavailable is returned only under policy.FailClosed.
	ErrDetectorUnavailable = errors.New("detector unavailable (fail-closed)")
	// ErrDecode means the input bytes are not a supported image.
	ErrDecode = errors.New("decode image")
	// ErrEncode means the redacted copy could not be encoded; publish the original.
	ErrEncode = errors.New("encode redacted image")
)

// State is the terminal state of a run.
type State string

const (
	StateDisabled    State = "disabled"
	StateUnavailable State = "unavailable"
	StateEmpty       State = "empty"
	StateAborted     State = "aborted"
	StateRedacted    State = "redacted"
)

// Result is the outcome of Redact. Output is nil unless Hit.
type Result struct {
	Hit     bool
	Output  *image.RGBA
	Regions []region.Region
	State   State
	Reason  string
}

// EncodeOptions controls re-encoding of redacted copies.
type EncodeOptions struct {
	// Quality applies to JPEG output; zero selects codec.DefaultQuality.
	Quality int
}

// EncodedResult is the outcome of RedactBytes. When Hit is false Data is the
// caller's slice, unchanged.
type EncodedResult struct {
	Result
	Data   []byte
	Format string
}

// Engine holds the collaborators shared by every run. It is safe for concurrent
// use; Telemetry and Audit may be nil.
type Engine struct {
	Detector     detect.Detector
	DetectorName string
	Telemetry    *telemetry.Provider
	Audit        *audit.Emitter
}

// Redact is a one-shot run without telemetry or audit.
func Redact(ctx context.Context, img image.Image, p policy.Policy, d detect.Detector) (Result, error) {
	return (&Engine{Detector: d}).Redact(ctx, img, p)
}

// Redact runs the pipeline over a decoded image. With the default fail-open policy a
// detector failure yields a passthrough result and a nil error.
func (e *Engine) Redact(ctx context.Context, img image.Image, p policy.Policy) (Result, error) {
	return e.run(ctx, img, p, inputMeta{})
}

// RedactBytes decodes data, runs the pipeline and re-encodes a hit in the input's
// container format.
func (e *Engine) RedactBytes(ctx context.Context, data []byte, p policy.Policy, opts EncodeOptions) (EncodedResult, error) {
	img, format, err := codec.DecodeBytes(data)
	if err != nil {
		return EncodedResult{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	meta := inputMeta{format: format}
	if e.Audit != nil {
		sum := sha256.Sum256(data)
		meta.sha256 = hex.EncodeToString(sum[:])
	}

	res, err := e.run(ctx, img, p, meta)
	if err != nil {
		return EncodedResult{Result: res, Format: format}, err
	}
	if !res.Hit {
		return EncodedResult{Result: res, Data: data, Format: format}, nil
	}

	out := codec.OutputFormat(format)
	encoded, err := codec.EncodeBytes(res.Output, out, opts.Quality)
	if err != nil {
		logging.Logf("pipeline: encode %s failed, keeping original: %v", out, err)
		return EncodedResult{Result: res, Data: data, Format: format}, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return EncodedResult{Result: res, Data: encoded, Format: out}, nil
}

type inputMeta struct {
	format string
	sha256 string
}

type runStats struct {
	detections int
	detect     time.Duration
}

func (e *Engine) run(ctx context.Context, img image.Image, p policy.Policy, meta inputMeta) (res Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx, span := e.Telemetry.Tracer().Start(ctx, "imgguard.redact")
	defer span.End()

	var stats runStats
	defer func() {
		if r := recover(); r != nil {
			logging.Logf("pipeline: recovered panic, passing through: %v", r)
			res, err = passthrough(StateAborted, fmt.Sprintf("panic: %v", r)), nil
		}
		e.observe(ctx, span, img, p, meta, res, err, stats, time.Since(start))
	}()

	return e.redact(ctx, img, p, &stats)
}

func (e *Engine) redact(ctx context.Context, img image.Image, p policy.Policy, stats *runStats) (Result, error) {
	if !p.Enabled {
		return passthrough(StateDisabled, "policy disabled"), nil
	}
	if img == nil {
		return passthrough(StateEmpty, "no image"), nil
	}
	if e.Detector == nil {
		return e.unavailable(p, detect.ErrUnavailable)
	}

	detectStart := time.Now()
	dets, err := e.Detector.Detect(ctx, img)
	stats.detect = time.Since(detectStart)
	if err != nil {
		return e.unavailable(p, err)
	}
	stats.detections = len(dets)

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	regions := region.Filter(dets, p, w, h)
	if len(regions) == 0 {
		return passthrough(StateEmpty, ""), nil
	}
	regions = region.Pad(regions, p.PadRatio, w, h)

	style := effectiveStyle(p)
	if err := ctx.Err(); err != nil {
		return passthrough(StateAborted, err.Error()), nil
	}
	canvas := redactor.NewCanvas(img)
	painted, err := canvas.PaintAll(ctx, regions, style)
	if err != nil {
		return passthrough(StateAborted, err.Error()), nil
	}
	if !painted {
		return passthrough(StateEmpty, "no region intersects the image"), nil
	}
	return Result{
		Hit:     true,
		Output:  canvas.Image(),
		Regions: regions,
		State:   StateRedacted,
	}, nil
}

func (e *Engine) unavailable(p policy.Policy, cause error) (Result, error) {
	res := passthrough(StateUnavailable, cause.Error())
	if p.FailMode == policy.FailClosed {
		return res, fmt.Errorf("%w: %w", ErrDetectorUnavailable, cause)
	}
	logging.Logf("pipeline: %v; publishing unredacted (fail-open)", cause)
	return res, nil
}

func effectiveStyle(p policy.Policy) policy.Style {
	if p.Style == nil {
		return policy.Pixelate{BlockSize: policy.DefaultBlockSize}
	}
	return p.Style
}

func passthrough(state State, reason string) Result {
	return Result{State: state, Reason: reason}
}

func (e *Engine) observe(ctx context.Context, span trace.Span, img image.Image, p policy.Policy, meta inputMeta, res Result, err error, stats runStats, total time.Duration) {
	styleName := policy.StyleName(effectiveStyle(p))

	span.SetAttributes(telemetry.SafeAttributes(map[string]interface{}{
		"imgguard.state":      string(res.State),
		"imgguard.hit":        res.Hit,
		"imgguard.style":      styleName,
		"imgguard.detections": stats.detections,
		"imgguard.regions":    len(res.Regions),
		"imgguard.format":     meta.format,
	})...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.State))
	}

	e.Telemetry.RecordRedaction(ctx, telemetry.Outcome{
		State:      string(res.State),
		Style:      styleName,
		Detections: stats.detections,
		Regions:    len(res.Regions),
		DurationMs: float64(total) / float64(time.Millisecond),
		DetectMs:   float64(stats.detect) / float64(time.Millisecond),
	})

	if e.Audit == nil {
		return
	}
	var w, h int
	if img != nil {
		w, h = img.Bounds().Dx(), img.Bounds().Dy()
	}
	e.Audit.Emit(audit.BuildEvent(audit.BuildParams{
		Detector:   e.DetectorName,
		Width:      w,
		Height:     h,
		Format:     meta.format,
		SHA256:     meta.sha256,
		State:      string(res.State),
		Reason:     res.Reason,
		Style:      styleName,
		Detections: stats.detections,
		Regions:    res.Regions,
		Detect:     stats.detect,
		Total:      total,
	}))
}
