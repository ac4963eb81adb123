package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Sumatoshi-tech/buildmesh/internal/observability"
)

func setupPipelineMeter(t *testing.T) (*observability.PipelineMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter("test")

	pm, err := observability.NewPipelineMetrics(meter)
	require.NoError(t, err)

	return pm, reader
}

func TestNewPipelineMetrics(t *testing.T) {
	t.Parallel()

	pm, _ := setupPipelineMeter(t)
	assert.NotNil(t, pm)
}

func TestPipelineMetrics_RecordRun(t *testing.T) {
	t.Parallel()

	pm, reader := setupPipelineMeter(t)
	ctx := context.Background()

	pm.RecordRun(ctx, observability.PipelineRunStats{
		Steps:         5,
		StepDurations: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		Retries:       2,
		CLDBHits:      50,
		CLDBMisses:    10,
		WarmCacheHits: 30,
		WarmCacheMiss: 5,
	})

	rm := collectMetrics(t, reader)

	steps := findMetric(rm, "buildmesh.scheduler.steps.total")
	require.NotNil(t, steps, "steps counter should exist")

	retries := findMetric(rm, "buildmesh.scheduler.retries.total")
	require.NotNil(t, retries, "retries counter should exist")

	stepDur := findMetric(rm, "buildmesh.scheduler.step.duration.seconds")
	require.NotNil(t, stepDur, "step duration histogram should exist")

	hist, ok := stepDur.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected Histogram data type")
	require.NotEmpty(t, hist.DataPoints)
	assert.Equal(t, uint64(3), hist.DataPoints[0].Count, "should have 3 duration recordings")

	cacheHits := findMetric(rm, "buildmesh.cldb.lookup.hits.total")
	require.NotNil(t, cacheHits, "cache hits counter should exist")

	cacheMisses := findMetric(rm, "buildmesh.cldb.lookup.misses.total")
	require.NotNil(t, cacheMisses, "cache misses counter should exist")
}

func TestPipelineMetrics_RecordRun_NilReceiver(t *testing.T) {
	t.Parallel()

	var pm *observability.PipelineMetrics

	pm.RecordRun(context.Background(), observability.PipelineRunStats{
		Steps:   1,
		Retries: 0,
	})
}
