// Package otel installs the OpenTelemetry SDK: an OTLP/HTTP trace exporter
// for REST spans and an OTLP/HTTP log exporter for the structured logger.
package otel

import (
	"context"
	"errors"
	"os"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	logglobal "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	defaultServiceName  = "wfsync"
	defaultHTTPEndpoint = "127.0.0.1:4318"
	envResourceAttrs    = "WFSYNC_OTEL_RESOURCE_ATTRIBUTES"
)

type SDKOptions struct {
	Enabled            bool
	HTTPEndpoint       string
	ServiceName        string
	ServiceVersion     string
	ResourceAttributes map[string]string
}

// ResourceAttributesFromEnv reads extra resource attributes from
// WFSYNC_OTEL_RESOURCE_ATTRIBUTES ("k=v,k2=v2").
func ResourceAttributesFromEnv() map[string]string {
	return parseResourceAttributes(os.Getenv(envResourceAttrs))
}

// SetupSDK installs global trace and log providers. When disabled it does
// nothing and returns a no-op shutdown.
func SetupSDK(ctx context.Context, options SDKOptions) (func(context.Context) error, error) {
	if !options.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	endpoint := normalizeEndpoint(options.HTTPEndpoint)
	if endpoint == "" {
		endpoint = defaultHTTPEndpoint
	}
	serviceName := strings.TrimSpace(options.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	logExporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(endpoint),
		otlploghttp.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, err
	}

	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(resourceAttributes(serviceName, options)...))
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		_ = logExporter.Shutdown(ctx)
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	otelapi.SetTracerProvider(tracerProvider)
	logglobal.SetLoggerProvider(loggerProvider)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(shutdownCtx context.Context) error {
		var shutdownErr error
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		if err := loggerProvider.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		return shutdownErr
	}, nil
}

func resourceAttributes(serviceName string, options SDKOptions) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName),
	}
	if strings.TrimSpace(options.ServiceVersion) != "" {
		attrs = append(attrs, attribute.String("service.version", options.ServiceVersion))
	}
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		attrs = append(attrs, attribute.String("host.name", host))
	}
	for key, value := range options.ResourceAttributes {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		attrs = append(attrs, attribute.String(trimmed, value))
	}
	return attrs
}

func parseResourceAttributes(raw string) map[string]string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	attributes := make(map[string]string)
	for _, pair := range strings.Split(trimmed, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		attributes[key] = strings.TrimSpace(value)
	}
	if len(attributes) == 0 {
		return nil
	}
	return attributes
}

func normalizeEndpoint(raw string) string {
	endpoint := strings.TrimSpace(raw)
	endpoint = strings.TrimSuffix(endpoint, "/")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimSuffix(endpoint, "/")
}
