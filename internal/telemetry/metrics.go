// Package telemetry provides OpenTelemetry instruments for the sync engine
// and a Prometheus exposition handler for them.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterName is the instrumentation scope of every pipewatch instrument.
const MeterName = "github.com/jpalmerr/pipewatch"

// Metrics holds the instruments recorded by the scheduler, fetcher and
// broadcaster.
//
// A nil *Metrics is valid and records nothing, so components can accept one
// unconditionally.
type Metrics struct {
	cycleDuration metric.Float64Histogram
	sourceSyncs   metric.Int64Counter
	changeEvents  metric.Int64Counter
	subscribers   metric.Int64UpDownCounter
	droppedFrames metric.Int64Counter
}

// NewMetrics creates the instruments on provider.
// If provider is nil, it returns nil (no-op metrics).
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(MeterName)

	cycleDuration, err := meter.Float64Histogram(
		"pipewatch_sync_cycle_duration_seconds",
		metric.WithDescription("Duration of sync cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	sourceSyncs, err := meter.Int64Counter(
		"pipewatch_source_syncs_total",
		metric.WithDescription("Per-source fetch outcomes"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, err
	}

	changeEvents, err := meter.Int64Counter(
		"pipewatch_change_events_total",
		metric.WithDescription("Change events published to subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	subscribers, err := meter.Int64UpDownCounter(
		"pipewatch_subscribers",
		metric.WithDescription("Currently registered live subscribers"),
		metric.WithUnit("{subscriber}"),
	)
	if err != nil {
		return nil, err
	}

	droppedFrames, err := meter.Int64Counter(
		"pipewatch_dropped_frames_total",
		metric.WithDescription("Frames dropped because a subscriber queue was full"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		cycleDuration: cycleDuration,
		sourceSyncs:   sourceSyncs,
		changeEvents:  changeEvents,
		subscribers:   subscribers,
		droppedFrames: droppedFrames,
	}, nil
}

// RecordCycle records the duration of one sync cycle.
func (m *Metrics) RecordCycle(ctx context.Context, duration time.Duration, sources int, success bool) {
	if m == nil {
		return
	}
	m.cycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.Int("sources", sources),
		attribute.Bool("success", success),
	))
}

// RecordSourceSync counts one fetch outcome (changed, unchanged, not_modified, failed).
func (m *Metrics) RecordSourceSync(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	m.sourceSyncs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

// RecordChange counts one published change event.
func (m *Metrics) RecordChange(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.changeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// SubscriberAdded increments the live subscriber count.
func (m *Metrics) SubscriberAdded(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, 1)
}

// SubscriberRemoved decrements the live subscriber count.
func (m *Metrics) SubscriberRemoved(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, -1)
}

// RecordDroppedFrame counts one frame that could not be queued.
func (m *Metrics) RecordDroppedFrame(ctx context.Context) {
	if m == nil {
		return
	}
	m.droppedFrames.Add(ctx, 1)
}

// NewPrometheusProvider returns a meter provider whose instruments are
// exposed by the returned handler in Prometheus text format. The caller is
// responsible for calling Shutdown on the provider.
func NewPrometheusProvider() (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return mp, handler, nil
}
