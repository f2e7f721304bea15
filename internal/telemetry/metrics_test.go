package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		m, err := NewMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, m)
	})

	t.Run("nil metrics is a no-op", func(t *testing.T) {
		t.Parallel()

		var m *Metrics
		ctx := context.Background()
		m.RecordCycle(ctx, time.Second, 1, true)
		m.RecordSourceSync(ctx, "org/app", "changed")
		m.RecordChange(ctx, "org/app")
		m.SubscriberAdded(ctx)
		m.SubscriberRemoved(ctx)
		m.RecordDroppedFrame(ctx)
	})
}

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(ctx) }()

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordCycle(ctx, 250*time.Millisecond, 2, true)
	m.RecordSourceSync(ctx, "org/app", "changed")
	m.RecordSourceSync(ctx, "org/lib", "failed")
	m.RecordChange(ctx, "org/app")
	m.SubscriberAdded(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != MeterName {
			continue
		}
		for _, md := range scope.Metrics {
			names[md.Name] = true
		}
	}

	for _, want := range []string{
		"pipewatch_sync_cycle_duration_seconds",
		"pipewatch_source_syncs_total",
		"pipewatch_change_events_total",
		"pipewatch_subscribers",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestNewPrometheusProvider(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mp, handler, err := NewPrometheusProvider()
	require.NoError(t, err)
	defer func() { _ = mp.Shutdown(ctx) }()

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	m.RecordChange(ctx, "org/app")

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pipewatch_change_events_total")
}
