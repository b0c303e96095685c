package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/tenderflow/pkg/faults"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("tenderflow")

// Span attribute keys.
const (
	AttrPipeline      = attribute.Key("pipeline.name")
	AttrRunID         = attribute.Key("run.id")
	AttrStage         = attribute.Key("stage.name")
	AttrFaultCategory = attribute.Key("fault.category")
	AttrQueryAttempts = attribute.Key("query.attempts")
	AttrQueryRetries  = attribute.Key("query.retries")
	AttrQueryRows     = attribute.Key("query.rows")
	AttrPoolWaitMs    = attribute.Key("pool.wait_ms")
	AttrBackoffMs     = attribute.Key("query.backoff_ms")
	AttrRetryTarget   = attribute.Key("retry.target")
	AttrRetryAttempt  = attribute.Key("retry.attempt")
	AttrRetryDelayMs  = attribute.Key("retry.delay_ms")
)

// QueryAttrs is the executor cost put on the execute stage span.
type QueryAttrs struct {
	Attempts int
	Retries  int
	Rows     int
	PoolWait time.Duration
	Backoff  time.Duration
}

// SpanManager handles trace span lifecycle for pipeline runs.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartRunSpan starts a span for the entire run.
	StartRunSpan(ctx context.Context, pipeline, runID string) (context.Context, trace.Span)

	// StartStageSpan starts a child span for one stage.
	StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span)

	// EndSpanWithError completes a span. A failed span records err and
	// its fault category.
	EndSpanWithError(span trace.Span, err error)

	// RecordRecovery notes on the run span that stage failed and the run
	// continued with its fallback.
	RecordRecovery(ctx context.Context, stage string, err error)

	// RecordRetry adds a retry event to the stage span in ctx.
	RecordRetry(ctx context.Context, target string, attempt int, delay time.Duration, err error)

	// RecordQuery sets the executor cost on the stage span in ctx.
	RecordQuery(ctx context.Context, q QueryAttrs)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager backed by the global OTel tracer
// provider; configure it with otel.SetTracerProvider first.
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartRunSpan(ctx context.Context, pipeline, runID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "tenderflow.run",
		trace.WithAttributes(AttrPipeline.String(pipeline), AttrRunID.String(runID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "tenderflow.stage."+stage,
		trace.WithAttributes(AttrStage.String(stage)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetAttributes(AttrFaultCategory.String(faults.Categorize(err).String()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (m *otelSpanManager) RecordRecovery(ctx context.Context, stage string, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{AttrStage.String(stage)}
	if err != nil {
		attrs = append(attrs,
			AttrFaultCategory.String(faults.Categorize(err).String()),
			attribute.String("error", err.Error()))
	}
	span.AddEvent("stage.recovered", trace.WithAttributes(attrs...))
}

func (m *otelSpanManager) RecordRetry(ctx context.Context, target string, attempt int, delay time.Duration, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		AttrRetryTarget.String(target),
		AttrRetryAttempt.Int(attempt),
		AttrRetryDelayMs.Int64(delay.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	span.AddEvent("retry", trace.WithAttributes(attrs...))
}

func (m *otelSpanManager) RecordQuery(ctx context.Context, q QueryAttrs) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		AttrQueryAttempts.Int(q.Attempts),
		AttrQueryRetries.Int(q.Retries),
		AttrQueryRows.Int(q.Rows),
		AttrPoolWaitMs.Int64(q.PoolWait.Milliseconds()),
		AttrBackoffMs.Int64(q.Backoff.Milliseconds()),
	)
}
