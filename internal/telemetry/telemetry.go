// Package telemetry sets up OpenTelemetry tracing and metrics for collabd.
//
// Provider failures never stop the server. A failed exporter leaves the
// instance degraded and callers fall back to the global no-op providers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/collabd/internal/config"
)

const (
	exportInterval  = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Telemetry owns the tracer and meter providers.
type Telemetry struct {
	cfg     config.TelemetryConfig
	version string

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	degraded atomic.Bool
	errs     []error
}

// New builds providers from cfg. When cfg.Enabled is false it returns an
// instance whose Tracer and Meter are the global no-ops.
func New(ctx context.Context, cfg config.TelemetryConfig, version string) (*Telemetry, error) {
	if cfg.Enabled && cfg.Endpoint == "" {
		return nil, errors.New("invalid telemetry config: endpoint is required when enabled")
	}

	t := &Telemetry{cfg: cfg, version: version}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg.ServiceName, version)

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.setDegraded(fmt.Errorf("tracer provider: %w", err))
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.setDegraded(fmt.Errorf("meter provider: %w", err))
	} else {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Tracer returns a tracer for the instrumentation scope name.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter for the instrumentation scope name.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Degraded reports provider setup errors, if any.
func (t *Telemetry) Degraded() (bool, error) {
	if t == nil {
		return false, nil
	}
	return t.degraded.Load(), errors.Join(t.errs...)
}

// Shutdown flushes and stops the providers. Without a deadline on ctx it
// waits at most five seconds.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telemetry) setDegraded(err error) {
	t.degraded.Store(true)
	t.errs = append(t.errs, err)
}
