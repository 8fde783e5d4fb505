package o11y

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records one run's counters into a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	launches     metric.Int64Counter
	terminations metric.Int64Counter
	readiness    metric.Float64Histogram
	phases       metric.Float64Histogram
	exitCode     metric.Int64Gauge
}

// NewMetrics registers every instrument with a Prometheus exporter that
// writes into a fresh registry.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(ScopeName)
	m := &Metrics{registry: reg, provider: provider}

	m.launches, err = meter.Int64Counter(
		"ec2_ephemeral_launches",
		metric.WithDescription("RunInstances attempts by result"),
	)
	if err != nil {
		return nil, err
	}

	m.terminations, err = meter.Int64Counter(
		"ec2_ephemeral_terminations",
		metric.WithDescription("TerminateInstances attempts by result"),
	)
	if err != nil {
		return nil, err
	}

	m.readiness, err = meter.Float64Histogram(
		"ec2_ephemeral_ready_duration",
		metric.WithDescription("Time from launch until the instance accepted SSH connections"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 10, 20, 30, 45, 60, 90, 120, 180, 300),
	)
	if err != nil {
		return nil, err
	}

	m.phases, err = meter.Float64Histogram(
		"ec2_ephemeral_phase_duration",
		metric.WithDescription("Wall time spent in each lifecycle phase"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 120, 300, 900, 3600),
	)
	if err != nil {
		return nil, err
	}

	m.exitCode, err = meter.Int64Gauge(
		"ec2_ephemeral_exit_code",
		metric.WithDescription("Process exit code of the last run"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func result(err error) attribute.KeyValue {
	if err != nil {
		return AttrResult.String("error")
	}
	return AttrResult.String("ok")
}

func (m *Metrics) RecordLaunch(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.launches.Add(ctx, 1, metric.WithAttributes(result(err)))
}

func (m *Metrics) RecordTerminate(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.terminations.Add(ctx, 1, metric.WithAttributes(result(err)))
}

func (m *Metrics) RecordReadiness(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.readiness.Record(ctx, d.Seconds(), metric.WithAttributes(result(err)))
}

func (m *Metrics) RecordPhase(ctx context.Context, phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phases.Record(ctx, d.Seconds(), metric.WithAttributes(AttrPhase.String(phase)))
}

func (m *Metrics) RecordExit(ctx context.Context, code int) {
	if m == nil {
		return
	}
	m.exitCode.Record(ctx, int64(code))
}

// Gatherer exposes the private registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the registry in the node_exporter textfile format.
// The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
