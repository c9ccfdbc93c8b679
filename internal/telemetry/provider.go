package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrUnknownExporter is returned by Init for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// Config selects where spans go.
type Config struct {
	Exporter    string  `yaml:"exporter" env:"EXPORTER"`         // none | stdout | otlp
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`         // otlp gRPC 地址
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`         // otlp 不使用 TLS
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"` // 采样比例, 0 表示全部采样
}

// DefaultConfig disables tracing.
func DefaultConfig() Config {
	return Config{Exporter: "none", Endpoint: "localhost:4317", Insecure: true}
}

// Validate checks the exporter name and the sample ratio.
func (c Config) Validate() error {
	switch c.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("%w: %s", ErrUnknownExporter, c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio %v outside [0, 1]", c.SampleRatio)
	}
	return nil
}

// Init installs the global tracer provider described by cfg. The stdout
// exporter writes to w. The returned function flushes pending spans and
// must be called before exit; with exporter "none" it does nothing.
func Init(ctx context.Context, cfg Config, version string, w io.Writer) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if err := cfg.Validate(); err != nil {
		return noop, err
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", "none":
		return noop, nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return noop, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewWithAttributes("",
			attribute.String("service.name", "codectx"),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
