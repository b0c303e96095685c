package stagegraph

import (
	"log/slog"

	"github.com/randalmurphal/tenderflow/pkg/stagegraph/checkpoint"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph/observability"
)

// runConfig holds configuration for one run.
type runConfig struct {
	name    string
	runID   string
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	checkpointStore        checkpoint.Store
	checkpointFailureFatal bool
	sequence               int
}

func defaultRunConfig() runConfig {
	return runConfig{
		name:    "stagegraph",
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
}

// RunOption configures execution behavior.
type RunOption func(*runConfig)

// WithName labels the run in spans. Default: "stagegraph".
func WithName(name string) RunOption {
	return func(c *runConfig) {
		c.name = name
	}
}

// WithRunID sets the run identifier. Default: a random UUID.
func WithRunID(id string) RunOption {
	return func(c *runConfig) {
		c.runID = id
	}
}

// WithLogger sets the base logger for run and stage events.
func WithLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables metrics recording.
func WithMetrics(recorder observability.MetricsRecorder) RunOption {
	return func(c *runConfig) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

// WithTracing enables a span per run and per stage.
func WithTracing(spans observability.SpanManager) RunOption {
	return func(c *runConfig) {
		if spans != nil {
			c.spans = spans
		}
	}
}

// WithCheckpointing saves the state after every completed stage.
// States must be JSON-serializable.
func WithCheckpointing(store checkpoint.Store) RunOption {
	return func(c *runConfig) {
		c.checkpointStore = store
	}
}

// WithCheckpointFailureFatal makes a failed checkpoint fail the run.
// Default: false, failures are logged and the run continues.
func WithCheckpointFailureFatal(fatal bool) RunOption {
	return func(c *runConfig) {
		c.checkpointFailureFatal = fatal
	}
}
