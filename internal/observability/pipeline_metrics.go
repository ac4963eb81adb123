package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricStepsTotal       = "buildmesh.scheduler.steps.total"
	metricStepsDuration    = "buildmesh.scheduler.step.duration.seconds"
	metricRetriesTotal     = "buildmesh.scheduler.retries.total"
	metricCacheHitsTotal   = "buildmesh.cldb.lookup.hits.total"
	metricCacheMissesTotal = "buildmesh.cldb.lookup.misses.total"

	attrCache = "cache"
)

// PipelineMetrics holds OTel instruments for pip execution metrics:
// per-step outcomes, retries, and CLDB lookup hit/miss rates.
type PipelineMetrics struct {
	stepsTotal   metric.Int64Counter
	stepDuration metric.Float64Histogram
	retriesTotal metric.Int64Counter
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// PipelineRunStats holds the statistics for a single pip run, decoupled
// from scheduler types.
type PipelineRunStats struct {
	Steps         int64
	StepDurations []time.Duration
	Retries       int64
	CLDBHits      int64
	CLDBMisses    int64
	WarmCacheHits int64
	WarmCacheMiss int64
}

// NewPipelineMetrics creates pip execution metric instruments from the given meter.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	b := newMetricBuilder(mt)

	pm := &PipelineMetrics{
		stepsTotal:   b.counter(metricStepsTotal, "Total pip execution steps completed", "{step}"),
		stepDuration: b.histogram(metricStepsDuration, "Per-step execution duration in seconds", "s", durationBucketBoundaries...),
		retriesTotal: b.counter(metricRetriesTotal, "Total step retries", "{retry}"),
		cacheHits:    b.counter(metricCacheHitsTotal, "Content lookups satisfied locally or from a replica", "{hit}"),
		cacheMisses:  b.counter(metricCacheMissesTotal, "Content lookups requiring a full copy", "{miss}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return pm, nil
}

// RecordRun records pip run statistics for a completed scheduling pass.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordRun(ctx context.Context, stats PipelineRunStats) {
	if pm == nil {
		return
	}

	pm.stepsTotal.Add(ctx, stats.Steps)
	pm.retriesTotal.Add(ctx, stats.Retries)

	for _, d := range stats.StepDurations {
		pm.stepDuration.Record(ctx, d.Seconds())
	}

	cldbAttrs := metric.WithAttributes(attribute.String(attrCache, "cldb"))
	pm.cacheHits.Add(ctx, stats.CLDBHits, cldbAttrs)
	pm.cacheMisses.Add(ctx, stats.CLDBMisses, cldbAttrs)

	warmAttrs := metric.WithAttributes(attribute.String(attrCache, "flushcache"))
	pm.cacheHits.Add(ctx, stats.WarmCacheHits, warmAttrs)
	pm.cacheMisses.Add(ctx, stats.WarmCacheMiss, warmAttrs)
}
