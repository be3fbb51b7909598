// Package telemetry mirrors histogram drains and model state counts into
// OpenTelemetry metrics, purely local observability, never the wire
// protocol. It also offers an optional CSV export as the only
// persisted-state escape hatch.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/dghilardi/hailstorm/internal/herrors"
	"github.com/dghilardi/hailstorm/internal/histogram"
)

// Exporter publishes drained histogram snapshots and per-model live-bot
// counts as OTel instruments.
type Exporter struct {
	meter       metric.Meter
	provider    *sdkmetric.MeterProvider
	sampleCount metric.Int64Counter
	sampleSum   metric.Int64Counter
	liveBots    metric.Int64ObservableGauge

	mu          sync.Mutex
	gaugeValues map[string]int64
}

// NewExporter builds an Exporter. When endpoint is empty, metrics are
// computed but never exported off-box — the MeterProvider still runs so
// instrument registration behaves identically in every deployment, but
// with no periodic reader attached, so it is effectively a local no-op.
func NewExporter(serviceName, endpoint string) (*Exporter, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, herrors.New("telemetry.NewExporter", herrors.KindConfig, err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if endpoint != "" {
		exp, err := otlpmetrichttp.New(context.Background(), otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, herrors.New("telemetry.NewExporter", herrors.KindConfig, err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	meter := provider.Meter("hailstorm/agent")

	sampleCount, err := meter.Int64Counter("hailstorm.action.samples", metric.WithDescription("number of performance samples recorded per action/status"))
	if err != nil {
		return nil, herrors.New("telemetry.NewExporter", herrors.KindConfig, err)
	}
	sampleSum, err := meter.Int64Counter("hailstorm.action.elapsed_ns_total", metric.WithDescription("total elapsed nanoseconds recorded per action/status"))
	if err != nil {
		return nil, herrors.New("telemetry.NewExporter", herrors.KindConfig, err)
	}

	e := &Exporter{
		meter:       meter,
		provider:    provider,
		sampleCount: sampleCount,
		sampleSum:   sampleSum,
		gaugeValues: make(map[string]int64),
	}

	gauge, err := meter.Int64ObservableGauge("hailstorm.model.live_bots", metric.WithDescription("current live bot count per model"))
	if err != nil {
		return nil, herrors.New("telemetry.NewExporter", herrors.KindConfig, err)
	}
	e.liveBots = gauge
	if _, err := meter.RegisterCallback(e.observeLiveBots, gauge); err != nil {
		return nil, herrors.New("telemetry.NewExporter", herrors.KindConfig, err)
	}

	return e, nil
}

func (e *Exporter) observeLiveBots(ctx context.Context, obs metric.Observer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for model, count := range e.gaugeValues {
		obs.ObserveInt64(e.liveBots, count, metric.WithAttributes(attribute.String("model", model)))
	}
	return nil
}

// RecordLiveBots updates the gauge value reported for model on the next
// collection pass.
func (e *Exporter) RecordLiveBots(model string, count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gaugeValues[model] = int64(count)
}

// RecordDrain mirrors one model's drained histogram snapshots into the
// counters.
func (e *Exporter) RecordDrain(ctx context.Context, model string, snaps []histogram.Snapshot) {
	for _, s := range snaps {
		attrs := metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("action", s.Action),
			attribute.Int64("status", s.Status),
		)
		var total int64
		for _, b := range s.Buckets {
			total += int64(b)
		}
		e.sampleCount.Add(ctx, total, attrs)
		e.sampleSum.Add(ctx, int64(s.Sum), attrs)
	}
}

// Shutdown flushes and stops the underlying MeterProvider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
