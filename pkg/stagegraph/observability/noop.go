package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordStage does nothing.
func (NoopMetrics) RecordStage(context.Context, string, time.Duration, string) {}

// RecordRun does nothing.
func (NoopMetrics) RecordRun(context.Context, string, bool, time.Duration) {}

// RecordCheckpoint does nothing.
func (NoopMetrics) RecordCheckpoint(context.Context, string, int64) {}

// RecordQuery does nothing.
func (NoopMetrics) RecordQuery(context.Context, int, time.Duration, error) {}

// NoopSpanManager is a SpanManager that records nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

// StartRunSpan returns ctx and a non-recording span.
func (NoopSpanManager) StartRunSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noop.Span{}
}

// StartStageSpan returns ctx and a non-recording span.
func (NoopSpanManager) StartStageSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noop.Span{}
}

func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

func (NoopSpanManager) RecordRecovery(context.Context, string, error) {}

func (NoopSpanManager) RecordRetry(context.Context, string, int, time.Duration, error) {}

func (NoopSpanManager) RecordQuery(context.Context, QueryAttrs) {}
