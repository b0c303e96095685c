package retrieval

import (
	"errors"
	"fmt"
	"slices"

	"github.com/goccy/go-json"

	"github.com/randalmurphal/tenderflow/pkg/faults"
	"github.com/randalmurphal/tenderflow/pkg/graphdb"
	"github.com/randalmurphal/tenderflow/pkg/llm"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph"
)

// ErrResultsFrozen is returned by SetResults once the run has ended.
var ErrResultsFrozen = errors.New("results are frozen")

// EnhancedQuery is the query after constraint merging.
type EnhancedQuery struct {
	// Text is the refined query, or the original when refinement was
	// skipped or failed.
	Text    string `json:"text"`
	Refined bool   `json:"refined"`
	Intent  string `json:"intent,omitempty"`
	// Terms are the lower-cased search terms, most significant first.
	Terms      []string `json:"terms"`
	Scope      []string `json:"scope"`
	Threshold  float64  `json:"threshold"`
	MaxResults int      `json:"max_results"`
	ValidFrom  string   `json:"valid_from,omitempty"`
	ValidTo    string   `json:"valid_to,omitempty"`
}

// GeneratedQuery is parametrized Cypher ready for execution.
type GeneratedQuery struct {
	Text   string         `json:"text"`
	Params map[string]any `json:"params"`
}

// StageFailure records one stage error on the state.
type StageFailure struct {
	Stage string `json:"stage"`
	// Kind is the query outcome ("exhausted", "canceled", "fatal") for
	// executor failures and the faults category otherwise.
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Recovered bool   `json:"recovered"`
	Err       error  `json:"-"`
}

// PipelineState is threaded through every stage of one run.
//
// Stages run sequentially, so the state is not safe for concurrent
// mutation; the finished state returned by RunPipeline may be read
// from any goroutine.
type PipelineState struct {
	RunID     string          `json:"run_id"`
	Query     string          `json:"query"`
	Context   *QueryContext   `json:"context"`
	Analysis  *llm.Analysis   `json:"analysis,omitempty"`
	Enhanced  *EnhancedQuery  `json:"enhanced,omitempty"`
	Generated *GeneratedQuery `json:"generated,omitempty"`
	Rows      []graphdb.Row   `json:"rows,omitempty"`

	results  []ResultRecord
	status   stagegraph.Status
	degraded bool
	failures []StageFailure
	metrics  *PerformanceMetrics
}

func newPipelineState(runID, query string, qc *QueryContext) *PipelineState {
	return &PipelineState{
		RunID:   runID,
		Query:   query,
		Context: qc,
		metrics: &PerformanceMetrics{},
	}
}

// ObserveStatus implements stagegraph.StatusObserver. A failed run
// drops any results.
func (s *PipelineState) ObserveStatus(st stagegraph.Status) {
	s.status = st
	switch st {
	case stagegraph.StatusDegraded:
		s.degraded = true
	case stagegraph.StatusFailed:
		s.results = nil
	}
}

// Status returns the run status.
func (s *PipelineState) Status() stagegraph.Status { return s.status }

// Degraded reports whether a recoverable stage failed.
func (s *PipelineState) Degraded() bool { return s.degraded }

// Succeeded reports whether the run ended successfully.
func (s *PipelineState) Succeeded() bool { return s.status == stagegraph.StatusSucceeded }

// SetResults stores the final results. It fails with ErrResultsFrozen
// once the run has succeeded or failed.
func (s *PipelineState) SetResults(results []ResultRecord) error {
	if s.status.Terminal() {
		return fmt.Errorf("%w: run %s", ErrResultsFrozen, s.status)
	}
	s.results = slices.Clone(results)
	return nil
}

// Results returns a copy of the final results.
func (s *PipelineState) Results() []ResultRecord { return slices.Clone(s.results) }

// Errors returns the recorded stage failures in order.
func (s *PipelineState) Errors() []StageFailure { return slices.Clone(s.failures) }

// Err returns the first unrecovered failure, or nil.
func (s *PipelineState) Err() error {
	for _, f := range s.failures {
		if !f.Recovered {
			if f.Err != nil {
				return f.Err
			}
			return errors.New(f.Message)
		}
	}
	return nil
}

// Metrics returns a snapshot of the performance metrics.
func (s *PipelineState) Metrics() MetricsSnapshot {
	if s.metrics == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.Snapshot()
}

func (s *PipelineState) recordFailure(stage string, err error, recovered bool) {
	s.failures = append(s.failures, StageFailure{
		Stage:     stage,
		Kind:      failureKind(err),
		Message:   err.Error(),
		Recovered: recovered,
		Err:       err,
	})
}

func failureKind(err error) string {
	var qe *graphdb.QueryError
	if errors.As(err, &qe) {
		return qe.Kind.String()
	}
	return faults.Categorize(err).String()
}

// fail ends a run that never reached the stage graph.
func (s *PipelineState) fail(stage string, err error) *PipelineState {
	s.recordFailure(stage, err, false)
	s.ObserveStatus(stagegraph.StatusFailed)
	return s
}

// MarshalJSON includes the unexported run outcome.
func (s *PipelineState) MarshalJSON() ([]byte, error) {
	type Fields PipelineState
	return json.Marshal(struct {
		*Fields
		Results  []ResultRecord  `json:"results"`
		Status   string          `json:"status"`
		Degraded bool            `json:"degraded"`
		Errors   []StageFailure  `json:"errors,omitempty"`
		Metrics  MetricsSnapshot `json:"metrics"`
	}{
		Fields:   (*Fields)(s),
		Results:  s.results,
		Status:   s.status.String(),
		Degraded: s.degraded,
		Errors:   s.failures,
		Metrics:  s.Metrics(),
	})
}
