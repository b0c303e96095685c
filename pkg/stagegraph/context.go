package stagegraph

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/randalmurphal/tenderflow/pkg/stagegraph/observability"
)

// Context is passed to every stage.
// It extends context.Context with run metadata and services.
type Context interface {
	context.Context

	// Logger returns a logger enriched with run_id and stage.
	// Never returns nil.
	Logger() *slog.Logger

	// Metrics returns the run's metrics recorder. Never returns nil.
	Metrics() observability.MetricsRecorder

	// RunID returns the unique identifier for this run.
	RunID() string

	// Stage returns the stage being executed.
	Stage() string
}

type executionContext struct {
	context.Context

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	runID   string
	stage   string
}

func (c *executionContext) Logger() *slog.Logger                   { return c.logger }
func (c *executionContext) Metrics() observability.MetricsRecorder { return c.metrics }
func (c *executionContext) RunID() string                          { return c.runID }
func (c *executionContext) Stage() string                          { return c.stage }

// ContextOption configures a Context built with NewContext.
type ContextOption func(*executionContext)

// WithContextLogger sets the logger.
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(c *executionContext) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithContextRunID sets the run identifier. Default: a random UUID.
func WithContextRunID(id string) ContextOption {
	return func(c *executionContext) {
		c.runID = id
	}
}

// WithContextStage sets the stage name.
func WithContextStage(stage string) ContextOption {
	return func(c *executionContext) {
		c.stage = stage
	}
}

// NewContext creates a stage Context outside a run, mainly for calling
// stage functions directly in tests and tools.
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	ec := &executionContext{
		Context: ctx,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		runID:   uuid.New().String(),
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// newStageContext derives the context for one stage of a run.
func newStageContext(ctx context.Context, cfg *runConfig, runID, stage string) *executionContext {
	return &executionContext{
		Context: ctx,
		logger:  observability.EnrichLogger(cfg.logger, runID, stage),
		metrics: cfg.metrics,
		runID:   runID,
		stage:   stage,
	}
}
