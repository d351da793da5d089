package main

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/senacrud/crudauth/models"
)

const (
	otelShutdownTimeout = 5 * time.Second
	defaultSampleRate   = 0.1
	defaultServiceName  = "crudauth"
)

// tracingSettings is the resolved exporter setup.
type tracingSettings struct {
	endpoint   string
	insecure   bool
	service    string
	version    string
	sampleRate float64
}

// resolveTracing merges config with the standard OTEL_* variables. Tracing
// is on when otel_enabled is set or any endpoint is known.
func resolveTracing(cfg models.Config, getenv func(string) string) (tracingSettings, bool) {
	s := tracingSettings{
		endpoint:   firstNonEmpty(cfg.OtelEndpoint, getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		insecure:   cfg.OtelInsecure,
		service:    firstNonEmpty(cfg.OtelServiceName, getenv("OTEL_SERVICE_NAME"), defaultServiceName),
		version:    cfg.OtelServiceVersion,
		sampleRate: clampRate(cfg.OtelSampleRate),
	}
	return s, cfg.OtelEnabled || s.endpoint != ""
}

// initOTel installs a batching OTLP/gRPC tracer provider and returns its
// shutdown func, or nil when tracing stays off.
func initOTel(ctx context.Context, cfg models.Config, getenv func(string) string, logger *logrus.Logger) func(context.Context) error {
	s, enabled := resolveTracing(cfg, getenv)
	if !enabled {
		return nil
	}

	var opts []otlptracegrpc.Option
	if s.endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(s.endpoint))
	}
	if s.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		logger.WithError(err).Warn("otel trace exporter init failed")
		return nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(s.service),
		semconv.ServiceVersion(s.version),
	))
	if err != nil {
		logger.WithError(err).Warn("otel resource init failed")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.sampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.WithFields(logrus.Fields{
		"endpoint":    s.endpoint,
		"sample_rate": s.sampleRate,
		"service":     s.service,
		"insecure":    s.insecure,
	}).Info("otel tracing enabled")
	return tp.Shutdown
}

// clampRate keeps the ratio in (0, 1]; zero means the default.
func clampRate(v float64) float64 {
	switch {
	case v <= 0:
		return defaultSampleRate
	case v > 1:
		return 1
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
