package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/straja-ai/imgguard/internal/logging"
)

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Outcome summarises one redaction run for metrics.
type Outcome struct {
	State      string
	Style      string
	Detections int
	Regions    int
	DurationMs float64
	DetectMs   float64
}

// Provider wires tracer/meter providers and exposes helpers.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	runsCounter           metric.Int64Counter
	runDuration           metric.Float64Histogram
	detectDuration        metric.Float64Histogram
	regionsHistogram      metric.Int64Histogram
	detectorFailures      metric.Int64Counter
	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// Noop returns a disabled provider whose instruments discard everything.
func Noop() *Provider {
	p := &Provider{
		Enabled: false,
		tracer:  tracenoop.NewTracerProvider().Tracer(""),
		meter:   metricnoop.NewMeterProvider().Meter(""),
	}
	p.initInstruments()
	return p
}

// NewProvider configures OTLP exporters and providers. When disabled, returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		return Noop(), nil
	}
	if cfg.Service == "" {
		cfg.Service = "imgguard"
	}

	logging.Logf("telemetry enabled (OpenTelemetry OTLP %s) endpoint=%s", strings.ToLower(cfg.Protocol), cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var (
		traceExporter sdktrace.SpanExporter
		metricReader  sdkmetric.Reader
	)
	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		texp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		mexp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		traceExporter, metricReader = texp, sdkmetric.NewPeriodicReader(mexp)
	case "http":
		texp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		mexp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		traceExporter, metricReader = texp, sdkmetric.NewPeriodicReader(mexp)
	default:
		return Noop(), nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(metricReader))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer("imgguard"),
		meter:                 mp.Meter("imgguard"),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

// NewWithMeter builds a provider around an existing meter, e.g. a ManualReader in tests.
func NewWithMeter(m metric.Meter) *Provider {
	p := &Provider{
		Enabled: true,
		tracer:  tracenoop.NewTracerProvider().Tracer(""),
		meter:   m,
	}
	p.initInstruments()
	return p
}

func (p *Provider) initInstruments() {
	if p == nil {
		return
	}
	// Instrument errors are ignored to keep telemetry best-effort.
	p.runsCounter, _ = p.meter.Int64Counter("imgguard_redactions_total")
	p.runDuration, _ = p.meter.Float64Histogram("imgguard_redaction_duration_ms")
	p.detectDuration, _ = p.meter.Float64Histogram("imgguard_detector_duration_ms")
	p.regionsHistogram, _ = p.meter.Int64Histogram("imgguard_regions_painted")
	p.detectorFailures, _ = p.meter.Int64Counter("imgguard_detector_unavailable_total")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return metricnoop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordRedaction emits counters and histograms for one pipeline run.
func (p *Provider) RecordRedaction(ctx context.Context, o Outcome) {
	if p == nil || p.runsCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("imgguard.state", o.State),
		attribute.String("imgguard.style", o.Style),
	)
	p.runsCounter.Add(ctx, 1, attrs)
	p.runDuration.Record(ctx, o.DurationMs, attrs)
	if o.DetectMs > 0 {
		p.detectDuration.Record(ctx, o.DetectMs, attrs)
	}
	if o.State == "redacted" {
		p.regionsHistogram.Record(ctx, int64(o.Regions), attrs)
	}
	if o.State == "unavailable" {
		p.detectorFailures.Add(ctx, 1, attrs)
	}
}
