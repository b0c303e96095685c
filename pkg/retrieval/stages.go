package retrieval

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/tenderflow/pkg/faults"
	"github.com/randalmurphal/tenderflow/pkg/graphdb"
	"github.com/randalmurphal/tenderflow/pkg/llm"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph/observability"
)

// Stage names, in execution order.
const (
	StageAnalyze  = "analyze"
	StageEnhance  = "enhance"
	StageGenerate = "generate"
	StageExecute  = "execute"
	StageScore    = "score"
)

// Stages returns the stage names in execution order.
func Stages() []string {
	return []string{StageAnalyze, StageEnhance, StageGenerate, StageExecute, StageScore}
}

var errNoAnalysis = errors.New("no analysis available")

func (p *Pipeline) buildGraph() (*stagegraph.CompiledGraph[*PipelineState], error) {
	return stagegraph.NewGraph[*PipelineState]().
		AddStage(stagegraph.Stage[*PipelineState]{
			Name:   StageAnalyze,
			Policy: stagegraph.Fatal,
			Run:    p.analyze,
		}).
		AddStage(stagegraph.Stage[*PipelineState]{
			Name:     StageEnhance,
			Requires: []string{StageAnalyze},
			Policy:   stagegraph.Recoverable,
			Run:      p.enhance,
			Fallback: p.enhanceFallback,
		}).
		AddStage(stagegraph.Stage[*PipelineState]{
			Name:     StageGenerate,
			Requires: []string{StageEnhance},
			Policy:   stagegraph.Fatal,
			Run:      p.generate,
		}).
		AddStage(stagegraph.Stage[*PipelineState]{
			Name:     StageExecute,
			Requires: []string{StageGenerate},
			Policy:   stagegraph.Fatal,
			Run:      p.execute,
		}).
		AddStage(stagegraph.Stage[*PipelineState]{
			Name:     StageScore,
			Requires: []string{StageExecute},
			Policy:   stagegraph.Fatal,
			Run:      p.score,
		}).
		Compile()
}

// analyze extracts intent, concepts and constraints. When the caller
// left the scope to the defaults, the analysis' document scope replaces it.
func (p *Pipeline) analyze(ctx stagegraph.Context, st *PipelineState) (*PipelineState, error) {
	res := faults.Retry(ctx, p.capabilityPolicy(ctx, "analyzer"),
		func(ctx context.Context, _ int) (llm.Analysis, error) {
			return p.analyzer.Analyze(ctx, st.Query)
		})
	_ = st.metrics.RecordCapability(StageAnalyze, res.Attempts, res.Delays)
	if res.Err != nil {
		return st, asCapability("analyzer", res.Err)
	}

	a := res.Value
	st.Analysis = &a
	if !st.Context.ScopeSet() && len(a.DocumentScope) > 0 {
		st.Context = st.Context.withScope(a.DocumentScope)
		ctx.Logger().Debug("scope taken from analysis", "scope", st.Context.Scope())
	}
	ctx.Logger().Info("query analyzed",
		"intent", a.Intent,
		"concepts", len(a.KeyConcepts),
		"scope", st.Context.Scope())
	return st, nil
}

// enhance refines the query text when a Refiner is configured, then
// merges the context constraints.
func (p *Pipeline) enhance(ctx stagegraph.Context, st *PipelineState) (*PipelineState, error) {
	if st.Analysis == nil {
		return st, faults.Capability("refiner", errNoAnalysis)
	}
	if p.refiner == nil {
		st.Enhanced = mergeConstraints(st.Query, false, st.Analysis, st.Context)
		return st, nil
	}

	analysis := *st.Analysis
	res := faults.Retry(ctx, p.capabilityPolicy(ctx, "refiner"),
		func(ctx context.Context, _ int) (string, error) {
			return p.refiner.Refine(ctx, st.Query, analysis)
		})
	_ = st.metrics.RecordCapability(StageEnhance, res.Attempts, res.Delays)
	if res.Err != nil {
		return st, asCapability("refiner", res.Err)
	}
	st.Enhanced = mergeConstraints(res.Value, true, st.Analysis, st.Context)
	ctx.Logger().Debug("query refined", "terms", len(st.Enhanced.Terms))
	return st, nil
}

// capabilityPolicy retries analyzer and refiner calls with the query
// backoff settings. Any failure is retried until the context ends.
func (p *Pipeline) capabilityPolicy(ctx stagegraph.Context, name string) faults.Policy {
	logger := ctx.Logger()
	return faults.Policy{
		MaxAttempts: p.settings.MaxRetries,
		BaseDelay:   p.settings.RetryDelay,
		Factor:      2,
		Sleep:       p.sleep,
		Retryable: func(err error) bool {
			return ctx.Err() == nil &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			p.spans.RecordRetry(ctx, name, attempt, delay, err)
			logger.Warn(name+" call failed, retrying",
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"error", err)
		},
	}
}

func queryAttrs(stats graphdb.ExecStats, rows int) observability.QueryAttrs {
	q := observability.QueryAttrs{
		Attempts: stats.Attempts,
		Retries:  stats.Retries,
		Rows:     rows,
		PoolWait: stats.PoolWait,
	}
	for _, d := range stats.Delays {
		q.Backoff += d
	}
	return q
}

func asCapability(name string, err error) error {
	var capErr *faults.CapabilityError
	if errors.As(err, &capErr) {
		return err
	}
	return faults.Capability(name, err)
}

// enhanceFallback continues with the original query text.
func (p *Pipeline) enhanceFallback(ctx stagegraph.Context, st *PipelineState, err error) *PipelineState {
	st.Enhanced = mergeConstraints(st.Query, false, st.Analysis, st.Context)
	ctx.Logger().Warn("using unrefined query", "error", err)
	return st
}

func (p *Pipeline) generate(ctx stagegraph.Context, st *PipelineState) (*PipelineState, error) {
	gq, err := generateQuery(st.Enhanced)
	if err != nil {
		return st, err
	}
	st.Generated = gq
	ctx.Logger().Debug("query generated", "terms", gq.Params["terms"], "limit", gq.Params["limit"])
	return st, nil
}

// execute runs the generated query through the resilient executor.
func (p *Pipeline) execute(ctx stagegraph.Context, st *PipelineState) (*PipelineState, error) {
	if st.Generated == nil {
		return st, faults.Fatal("execute", ErrUntranslatable)
	}
	rows, stats, err := p.executor.Execute(ctx, st.Generated.Text, st.Generated.Params)
	_ = st.metrics.RecordQuery(stats, len(rows))
	ctx.Metrics().RecordQuery(ctx, stats.Attempts, stats.PoolWait, err)
	p.spans.RecordQuery(ctx, queryAttrs(stats, len(rows)))
	if err != nil {
		return st, err
	}
	st.Rows = rows
	ctx.Logger().Info("query executed",
		"rows", len(rows),
		"attempts", stats.Attempts,
		"pool_wait_ms", stats.PoolWait.Milliseconds())
	return st, nil
}

// score ranks the rows against the original query terms.
func (p *Pipeline) score(ctx stagegraph.Context, st *PipelineState) (*PipelineState, error) {
	terms := keywords(st.Query)
	if len(terms) == 0 && st.Analysis != nil {
		terms = st.Analysis.Terms()
	}

	results, skipped := rankResults(st.Rows, p.scorer, terms, st.Context)
	for _, err := range skipped {
		ctx.Logger().Warn("row skipped", "error", err)
	}
	if err := st.SetResults(results); err != nil {
		return st, err
	}
	_ = st.metrics.RecordResults(len(results))
	ctx.Logger().Info("results scored", "rows", len(st.Rows), "results", len(results))
	return st, nil
}
