// Package otel provides the relay's metrics integration: a configurable
// OpenTelemetry meter provider, disabled by default to a no-op so the
// daemon runs with zero overhead until an operator opts in.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	// MeterName is the instrumentation scope name for relay metrics.
	MeterName = "master-relay"
)

// Config holds metrics configuration.
type Config struct {
	Enabled  bool
	Exporter string // "stdout" or "none"
}

// Provider wraps an OTel meter provider with cleanup.
type Provider struct {
	MeterProvider metric.MeterProvider
	Meter         metric.Meter
	shutdown      func(context.Context) error
}

// Init sets up metrics per cfg. If cfg.Enabled is false, returns a
// no-op provider.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			MeterProvider: noop.NewMeterProvider(),
			Meter:         noop.NewMeterProvider().Meter(MeterName),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("master-relay")),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	reader, err := createReader(cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric reader: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
		shutdown:      mp.Shutdown,
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createReader(cfg Config) (sdkmetric.Reader, error) {
	switch cfg.Exporter {
	case "stdout", "":
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	case "none":
		return sdkmetric.NewManualReader(), nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: stdout, none)", cfg.Exporter)
	}
}
