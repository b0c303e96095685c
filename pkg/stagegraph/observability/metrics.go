package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Stage outcomes reported to RecordStage.
const (
	OutcomeOK        = "ok"
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStage records one stage execution and how it ended.
	RecordStage(ctx context.Context, stage string, duration time.Duration, outcome string)

	// RecordRun records a run completion.
	RecordRun(ctx context.Context, status string, degraded bool, duration time.Duration)

	// RecordCheckpoint records a checkpoint save operation.
	RecordCheckpoint(ctx context.Context, stage string, sizeBytes int64)

	// RecordQuery records the retry cost of one graph query.
	RecordQuery(ctx context.Context, attempts int, poolWait time.Duration, err error)
}

type otelMetrics struct {
	stageExecutions metric.Int64Counter
	stageLatency    metric.Float64Histogram
	runs            metric.Int64Counter
	runLatency      metric.Float64Histogram
	checkpointSize  metric.Int64Histogram
	queryAttempts   metric.Int64Histogram
	poolWait        metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("tenderflow")

	stageExecutions, err := meter.Int64Counter("tenderflow.stage.executions",
		metric.WithDescription("Number of stage executions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	stageLatency, err := meter.Float64Histogram("tenderflow.stage.latency_ms",
		metric.WithDescription("Stage latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("tenderflow.run.count",
		metric.WithDescription("Number of pipeline runs"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("tenderflow.run.latency_ms",
		metric.WithDescription("Pipeline run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	checkpointSize, err := meter.Int64Histogram("tenderflow.checkpoint.size_bytes",
		metric.WithDescription("Checkpoint size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	queryAttempts, err := meter.Int64Histogram("tenderflow.query.attempts",
		metric.WithDescription("Attempts needed per graph query"),
	)
	if err != nil {
		return nil, err
	}

	poolWait, err := meter.Float64Histogram("tenderflow.query.pool_wait_ms",
		metric.WithDescription("Time spent waiting for a pooled connection"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		stageExecutions: stageExecutions,
		stageLatency:    stageLatency,
		runs:            runs,
		runLatency:      runLatency,
		checkpointSize:  checkpointSize,
		queryAttempts:   queryAttempts,
		poolWait:        poolWait,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider; configure it with
// otel.SetMeterProvider before calling this function.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordStage(ctx context.Context, stage string, duration time.Duration, outcome string) {
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	)
	m.stageExecutions.Add(ctx, 1, attrs)
	if outcome != OutcomeSkipped {
		m.stageLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func (m *otelMetrics) RecordRun(ctx context.Context, status string, degraded bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("degraded", degraded),
	)
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordCheckpoint(ctx context.Context, stage string, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *otelMetrics) RecordQuery(ctx context.Context, attempts int, poolWait time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))
	m.queryAttempts.Record(ctx, int64(attempts), attrs)
	m.poolWait.Record(ctx, float64(poolWait.Microseconds())/1000, attrs)
}
