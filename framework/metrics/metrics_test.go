package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	result := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			result[m.Name] = m
		}
	}
	return result
}

func TestMetrics_SagaLifecycle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m, err := NewMetricsWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordSagaCreated(ctx, "USER_REGISTRATION")
	m.RecordSagaCreated(ctx, "USER_REGISTRATION")
	m.RecordSagaFinished(ctx, "USER_REGISTRATION", "COMPLETED")
	m.RecordStepExecution(ctx, "user-service", "createUser", 15*time.Millisecond, false)

	collected := collect(t, reader)

	created, ok := collected["sagas_created_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, created.DataPoints, 1)
	assert.Equal(t, int64(2), created.DataPoints[0].Value)

	active, ok := collected["sagas_active"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, active.DataPoints, 1)
	assert.Equal(t, int64(1), active.DataPoints[0].Value)

	errorsTotal, ok := collected["errors_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, errorsTotal.DataPoints, 1)
	assert.Equal(t, int64(1), errorsTotal.DataPoints[0].Value)
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordSagaCreated(ctx, "x")
		m.RecordEvent(ctx, "saga.started", true)
		m.IncrementRunningSteps(ctx)
		m.RecordBreakerTransition(ctx, "user-service", "open")
	})
}

func TestSetupMetrics_UnknownExporter(t *testing.T) {
	_, err := SetupMetrics(&MetricsConfig{ExporterType: "statsd"})
	assert.Error(t, err)
}
