package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tenderflow/pkg/cache"
	"github.com/randalmurphal/tenderflow/pkg/config"
	"github.com/randalmurphal/tenderflow/pkg/faults"
	"github.com/randalmurphal/tenderflow/pkg/graphdb"
	"github.com/randalmurphal/tenderflow/pkg/llm"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph/checkpoint"
)

func threeRows() []graphdb.Row {
	return []graphdb.Row{
		docRow("doc-1", 0.9, "network infrastructure requirements for the backbone"),
		docRow("doc-2", 0.85, "network cabling requirements"),
		docRow("doc-3", 0.5, "catering services"),
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(testSettings(), &fakeDriver{}, nil)
	assert.Equal(t, faults.CategoryValidation, faults.Categorize(err))

	bad := testSettings()
	bad.PoolCapacity = 0
	_, err = New(bad, &fakeDriver{}, llm.NewMockClient())
	assert.ErrorContains(t, err, "pool_capacity")

	nan := testSettings()
	nan.DefaultRelevanceThreshold = math.NaN()
	_, err = New(nan, &fakeDriver{}, llm.NewMockClient())
	assert.ErrorContains(t, err, "default_relevance_threshold")
}

func TestNew_WarmPool(t *testing.T) {
	d := &fakeDriver{}
	p := newTestPipeline(t, d, llm.NewMockClient(), WithWarmPool(2))
	assert.Equal(t, int64(2), d.opens.Load())
	assert.Equal(t, 2, p.Pool().Stats().Idle)
}

func TestRunPipeline_EndToEnd(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	analyzer := llm.NewMockClient()
	p := newTestPipeline(t, d, analyzer)

	qc := MustQueryContext(
		WithScope("Technical"),
		WithThreshold(0.8),
		WithMaxResults(2),
		WithIncludeMetadata(false),
	)
	st := p.RunPipeline(context.Background(), "network infrastructure requirements", qc)

	require.True(t, st.Succeeded(), "errors: %v", st.Errors())
	assert.False(t, st.Degraded())
	assert.NoError(t, st.Err())
	assert.NotEmpty(t, st.RunID)

	results := st.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "doc-1", results[0].ID())
	assert.Equal(t, "doc-2", results[1].ID())
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score(), 0.8)
		assert.False(t, r.HasMetadata())
	}

	_, params := d.last()
	assert.Equal(t, []string{"Technical"}, params["scope"])
	assert.Equal(t, 0.8, params["threshold"])
	assert.Equal(t, int64(6), params["limit"])

	m := st.Metrics()
	assert.True(t, m.Finalized)
	assert.Equal(t, 1, m.Attempts)
	assert.Equal(t, 3, m.RowCount)
	assert.Equal(t, 2, m.ResultCount)
	require.Len(t, m.Stages, len(Stages()))
	for i, name := range Stages() {
		assert.Equal(t, name, m.Stages[i].Stage)
	}
	assert.True(t, m.Total > 0)
	assert.Equal(t, []string{"analyze:network infrastructure requirements"}, analyzer.Calls())
}

func TestRunPipeline_DefaultContext(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	p := newTestPipeline(t, d, llm.NewMockClient())

	st := p.RunPipeline(context.Background(), "network requirements", nil)
	require.True(t, st.Succeeded())

	assert.Equal(t, []string{"Technical", "Requirements"}, st.Context.Scope())
	assert.Equal(t, 0.7, st.Context.Threshold())
	assert.Len(t, st.Results(), 2)
	assert.True(t, st.Results()[0].HasMetadata())
}

func TestRunPipeline_ScopeFromAnalysis(t *testing.T) {
	analysis := llm.Analysis{
		Intent:        "budget lines",
		KeyConcepts:   []string{"budget"},
		DocumentScope: []string{"Financial"},
	}

	t.Run("unset scope takes the analysis scope", func(t *testing.T) {
		d := &fakeDriver{rows: threeRows()}
		p := newTestPipeline(t, d, llm.NewMockClient(analysis))

		st := p.RunPipeline(context.Background(), "budget", nil)
		require.True(t, st.Succeeded())
		_, params := d.last()
		assert.Equal(t, []string{"Financial"}, params["scope"])
	})

	t.Run("explicit scope wins", func(t *testing.T) {
		d := &fakeDriver{rows: threeRows()}
		p := newTestPipeline(t, d, llm.NewMockClient(analysis))

		st := p.RunPipeline(context.Background(), "budget", MustQueryContext(WithScope("Legal")))
		require.True(t, st.Succeeded())
		_, params := d.last()
		assert.Equal(t, []string{"Legal"}, params["scope"])
	})
}

func TestRunPipeline_Refined(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	mock := llm.NewMockClient().WithRefinements("fibre backbone network")
	p := newTestPipeline(t, d, mock, WithRefiner(mock))

	st := p.RunPipeline(context.Background(), "network requirements", nil)
	require.True(t, st.Succeeded())
	assert.False(t, st.Degraded())

	require.NotNil(t, st.Enhanced)
	assert.True(t, st.Enhanced.Refined)
	assert.Equal(t, "fibre backbone network", st.Enhanced.Text)
	assert.Contains(t, st.Enhanced.Terms, "fibre")
	assert.Equal(t, []string{"analyze:network requirements", "refine:network requirements"}, mock.Calls())
}

func TestRunPipeline_EnhanceFailureDegrades(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	mock := llm.NewMockClient().WithRefineError(errors.New("llm unavailable"))
	store, err := cache.Open("", cache.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	p := newTestPipeline(t, d, mock, WithRefiner(mock), WithCache(store))

	query := "network infrastructure requirements"
	st := p.RunPipeline(context.Background(), query, nil)

	require.True(t, st.Succeeded())
	assert.True(t, st.Degraded())
	assert.NoError(t, st.Err())
	assert.NotEmpty(t, st.Results())

	require.NotNil(t, st.Enhanced)
	assert.False(t, st.Enhanced.Refined)
	assert.Equal(t, query, st.Enhanced.Text)

	errs := st.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, StageEnhance, errs[0].Stage)
	assert.Equal(t, "capability", errs[0].Kind)
	assert.True(t, errs[0].Recovered)

	again := p.RunPipeline(context.Background(), query, nil)
	assert.False(t, again.Metrics().CacheHit, "degraded runs are not cached")
}

func TestRunPipeline_AnalyzeFailure(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	p := newTestPipeline(t, d, llm.NewMockClient().WithError(errors.New("quota exceeded")))

	st := p.RunPipeline(context.Background(), "network", nil)

	assert.Equal(t, stagegraph.StatusFailed, st.Status())
	assert.Empty(t, st.Results())
	assert.Zero(t, d.runs.Load())

	errs := st.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, StageAnalyze, errs[0].Stage)
	assert.Equal(t, "capability", errs[0].Kind)
	assert.ErrorContains(t, st.Err(), "quota exceeded")
}

func TestRunPipeline_AnalyzerRetriesTransientFailure(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	var calls atomic.Int64
	mock := llm.NewMockClient()
	mock.AnalyzeFunc = func(_ context.Context, query string) (llm.Analysis, error) {
		if calls.Add(1) == 1 {
			return llm.Analysis{}, faults.Transient("analyze", syscall.ECONNRESET)
		}
		return llm.Analysis{Intent: query, KeyConcepts: []string{"network"}}, nil
	}
	var slept []time.Duration
	spans := &recordingSpans{}
	p := newTestPipeline(t, d, mock, WithTracing(spans), WithBackoffSleep(func(_ context.Context, wait time.Duration) error {
		slept = append(slept, wait)
		return nil
	}))

	st := p.RunPipeline(context.Background(), "network requirements", nil)

	require.True(t, st.Succeeded(), "errors: %v", st.Errors())
	assert.Equal(t, []string{"analyzer#1"}, spans.retries)
	require.Len(t, spans.queries, 1)
	assert.Equal(t, 1, spans.queries[0].Attempts)
	assert.Equal(t, 3, spans.queries[0].Rows)
	assert.Empty(t, st.Errors())
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, []time.Duration{testSettings().RetryDelay}, slept)

	m := st.Metrics()
	assert.Equal(t, CallStats{Attempts: 2, Retries: 1, Backoff: testSettings().RetryDelay}, m.Analyzer)
}

func TestRunPipeline_AnalyzerRetriesExhausted(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	var calls atomic.Int64
	mock := llm.NewMockClient()
	mock.AnalyzeFunc = func(context.Context, string) (llm.Analysis, error) {
		calls.Add(1)
		return llm.Analysis{}, errors.New("model overloaded")
	}
	var slept []time.Duration
	p := newTestPipeline(t, d, mock, WithBackoffSleep(func(_ context.Context, wait time.Duration) error {
		slept = append(slept, wait)
		return nil
	}))

	st := p.RunPipeline(context.Background(), "network", nil)

	assert.Equal(t, stagegraph.StatusFailed, st.Status())
	assert.Equal(t, int64(testSettings().MaxRetries), calls.Load())
	delay := testSettings().RetryDelay
	assert.Equal(t, []time.Duration{delay, 2 * delay}, slept, "exponential backoff")
	assert.Zero(t, d.runs.Load())

	errs := st.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "capability", errs[0].Kind)
	assert.Equal(t, testSettings().MaxRetries, st.Metrics().Analyzer.Attempts)
}

func TestRunPipeline_RefinerRetriesBeforeFallback(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	var calls atomic.Int64
	mock := llm.NewMockClient()
	mock.RefineFunc = func(_ context.Context, query string, _ llm.Analysis) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("rate limited")
		}
		return "fibre " + query, nil
	}
	p := newTestPipeline(t, d, mock, WithRefiner(mock))

	st := p.RunPipeline(context.Background(), "network requirements", nil)

	require.True(t, st.Succeeded())
	assert.False(t, st.Degraded())
	assert.True(t, st.Enhanced.Refined)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 2, st.Metrics().Refiner.Retries)
}

func TestRunPipeline_AnalyzerNotRetriedAfterCancel(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int64
	mock := llm.NewMockClient()
	mock.AnalyzeFunc = func(context.Context, string) (llm.Analysis, error) {
		calls.Add(1)
		cancel()
		return llm.Analysis{}, context.Canceled
	}
	p := newTestPipeline(t, d, mock)

	st := p.RunPipeline(ctx, "network", nil)

	assert.Equal(t, stagegraph.StatusFailed, st.Status())
	assert.Equal(t, int64(1), calls.Load())
}

func TestRunPipeline_ExecuteFatalShortCircuits(t *testing.T) {
	d := &fakeDriver{
		runFn: func(int64, string, map[string]any) ([]graphdb.Row, error) {
			return nil, errors.New("Neo.ClientError.Statement.SyntaxError")
		},
	}
	p := newTestPipeline(t, d, llm.NewMockClient())

	st := p.RunPipeline(context.Background(), "network requirements", nil)

	assert.Equal(t, stagegraph.StatusFailed, st.Status())
	assert.Empty(t, st.Results())
	assert.Equal(t, int64(1), d.runs.Load(), "fatal errors are not retried")

	errs := st.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, StageExecute, errs[0].Stage)
	assert.Equal(t, "fatal", errs[0].Kind)

	m := st.Metrics()
	require.Len(t, m.Stages, 4, "score never ran")
	assert.Equal(t, StageExecute, m.Stages[3].Stage)
}

func TestRunPipeline_RetriesTransientFailures(t *testing.T) {
	d := &fakeDriver{
		runFn: func(n int64, _ string, _ map[string]any) ([]graphdb.Row, error) {
			if n <= 2 {
				return nil, faults.Transient("execute", syscall.ECONNRESET)
			}
			return threeRows(), nil
		},
	}
	p := newTestPipeline(t, d, llm.NewMockClient())

	st := p.RunPipeline(context.Background(), "network requirements", nil)
	require.True(t, st.Succeeded())

	m := st.Metrics()
	assert.Equal(t, 3, m.Attempts)
	assert.Equal(t, 2, m.Retries)
	assert.Len(t, m.Delays, 2)
	assert.Equal(t, 2, m.Summary().Retries)
}

func TestRunPipeline_RetriesExhausted(t *testing.T) {
	d := &fakeDriver{
		runFn: func(int64, string, map[string]any) ([]graphdb.Row, error) {
			return nil, faults.Transient("execute", syscall.ECONNRESET)
		},
	}
	p := newTestPipeline(t, d, llm.NewMockClient())

	st := p.RunPipeline(context.Background(), "network requirements", nil)

	assert.Equal(t, stagegraph.StatusFailed, st.Status())
	assert.Equal(t, int64(testSettings().MaxRetries), d.runs.Load())
	assert.True(t, graphdb.IsExhausted(st.Err()))
	require.Len(t, st.Errors(), 1)
	assert.Equal(t, "exhausted", st.Errors()[0].Kind)
}

func TestRunPipeline_AnalyzerPanic(t *testing.T) {
	mock := llm.NewMockClient()
	mock.AnalyzeFunc = func(context.Context, string) (llm.Analysis, error) {
		panic("boom")
	}
	p := newTestPipeline(t, &fakeDriver{}, mock)

	st := p.RunPipeline(context.Background(), "network", nil)
	assert.Equal(t, stagegraph.StatusFailed, st.Status())
	require.NotEmpty(t, st.Errors())
	assert.Equal(t, StageAnalyze, st.Errors()[0].Stage)
}

func TestRunPipeline_Canceled(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	p := newTestPipeline(t, d, llm.NewMockClient())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := p.RunPipeline(ctx, "network", nil)

	assert.Equal(t, stagegraph.StatusFailed, st.Status())
	assert.Zero(t, d.runs.Load())
}

func TestRunPipeline_RejectsEmptyQuery(t *testing.T) {
	analyzer := llm.NewMockClient()
	p := newTestPipeline(t, &fakeDriver{}, analyzer)

	st := p.RunPipeline(context.Background(), "   ", nil)

	assert.Equal(t, stagegraph.StatusFailed, st.Status())
	assert.Equal(t, faults.CategoryValidation, faults.Categorize(st.Err()))
	assert.Zero(t, analyzer.CallCount())
	assert.True(t, st.Metrics().Finalized)
}

func TestRunPipeline_CacheHit(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	analyzer := llm.NewMockClient()
	store, err := cache.Open("", cache.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	p := newTestPipeline(t, d, analyzer, WithCache(store))

	qc := MustQueryContext(WithThreshold(0.8))
	first := p.RunPipeline(context.Background(), "network requirements", qc)
	require.True(t, first.Succeeded())
	assert.False(t, first.Metrics().CacheHit)

	second := p.RunPipeline(context.Background(), "network requirements", MustQueryContext(WithThreshold(0.8)))
	require.True(t, second.Succeeded())
	assert.True(t, second.Metrics().CacheHit)
	assert.True(t, second.Metrics().Summary().ServedByCache)
	assert.Equal(t, first.Results(), second.Results())
	assert.Equal(t, int64(1), d.runs.Load())
	assert.Equal(t, 1, analyzer.CallCount())

	other := p.RunPipeline(context.Background(), "network requirements", MustQueryContext(WithThreshold(0.5)))
	assert.False(t, other.Metrics().CacheHit)
	assert.Equal(t, int64(2), d.runs.Load())
}

func TestRunPipeline_Checkpoints(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	p := newTestPipeline(t, &fakeDriver{rows: threeRows()}, llm.NewMockClient(), WithCheckpoints(store))

	st := p.RunPipeline(context.Background(), "network requirements", nil)
	require.True(t, st.Succeeded())

	infos, err := store.List(context.Background(), st.RunID)
	require.NoError(t, err)
	require.Len(t, infos, len(Stages()))
	for i, name := range Stages() {
		assert.Equal(t, name, infos[i].Stage)
	}

	cp, err := checkpoint.Latest(context.Background(), store, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, StageScore, cp.Stage)
	assert.Contains(t, string(cp.State), `"query":"network requirements"`)
}

func TestRunBatch(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	p := newTestPipeline(t, d, llm.NewMockClient())

	queries := make([]string, 10)
	for i := range queries {
		queries[i] = fmt.Sprintf("network requirements %d", i)
	}
	queries[4] = ""

	states := p.RunBatch(context.Background(), queries, nil)
	require.Len(t, states, len(queries))
	for i, st := range states {
		require.NotNil(t, st)
		assert.Equal(t, queries[i], st.Query)
	}

	sum := SummarizeBatch(states)
	assert.Equal(t, 10, sum.Total)
	assert.Equal(t, 9, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 18, sum.Results)
	assert.Zero(t, sum.Degraded)
}

func TestClose(t *testing.T) {
	d := &fakeDriver{rows: threeRows()}
	p, err := New(testSettings(), d, llm.NewMockClient(), WithLogger(quietLogger()), WithWarmPool(1))
	require.NoError(t, err)

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, d.opens.Load(), d.closes.Load())

	st := p.RunPipeline(context.Background(), "network", nil)
	assert.Equal(t, stagegraph.StatusFailed, st.Status())
	assert.ErrorIs(t, st.Err(), ErrPipelineClosed)
}

func TestNew_UsesSettingsDefaults(t *testing.T) {
	s := testSettings()
	s.DefaultSearchScope = []string{"Legal"}
	s.DefaultMaxResults = 1
	s.DefaultIncludeMetadata = false

	p, err := New(s, &fakeDriver{rows: threeRows()}, llm.NewMockClient(), WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	assert.Equal(t, Defaults{Scope: []string{"Legal"}, Threshold: 0.7, MaxResults: 1}, p.Defaults())

	st := p.RunPipeline(context.Background(), "network", nil)
	require.True(t, st.Succeeded())
	require.Len(t, st.Results(), 1)
	assert.False(t, st.Results()[0].HasMetadata())
	assert.Equal(t, config.DefaultSettings().DefaultRelevanceThreshold, st.Context.Threshold())
}
