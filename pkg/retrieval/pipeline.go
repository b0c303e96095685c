package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/randalmurphal/tenderflow/pkg/cache"
	"github.com/randalmurphal/tenderflow/pkg/config"
	"github.com/randalmurphal/tenderflow/pkg/faults"
	"github.com/randalmurphal/tenderflow/pkg/graphdb"
	"github.com/randalmurphal/tenderflow/pkg/llm"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph/checkpoint"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph/observability"
)

// ErrPipelineClosed is recorded on runs started after Close.
var ErrPipelineClosed = errors.New("pipeline closed")

// Pipeline runs tender queries through analyze, enhance, generate,
// execute and score. It owns the connection pool and is safe for
// concurrent use.
type Pipeline struct {
	settings config.Settings
	defaults Defaults

	analyzer llm.Analyzer
	refiner  llm.Refiner
	scorer   Scorer

	pool     *graphdb.Pool
	executor *graphdb.Executor
	workers  *ants.Pool
	graph    *stagegraph.CompiledGraph[*PipelineState]

	cache       *cache.Store
	checkpoints checkpoint.Store
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	warm        int
	sleep       func(context.Context, time.Duration) error

	closed atomic.Bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRefiner enables query rewriting in the enhance stage.
func WithRefiner(r llm.Refiner) Option {
	return func(p *Pipeline) {
		p.refiner = r
	}
}

// WithScorer replaces DefaultScorer.
func WithScorer(s Scorer) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.scorer = s
		}
	}
}

// WithCache serves repeated queries from c. The pipeline does not close it.
func WithCache(c *cache.Store) Option {
	return func(p *Pipeline) {
		p.cache = c
	}
}

// WithCheckpoints saves the state after every stage.
func WithCheckpoints(store checkpoint.Store) Option {
	return func(p *Pipeline) {
		p.checkpoints = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records stage, run and query metrics.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithTracing emits a span per run and per stage.
func WithTracing(s observability.SpanManager) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.spans = s
		}
	}
}

// WithWarmPool opens n connections during New.
func WithWarmPool(n int) Option {
	return func(p *Pipeline) {
		p.warm = n
	}
}

// WithBackoffSleep replaces the executor's backoff sleep, mainly for tests.
func WithBackoffSleep(fn func(context.Context, time.Duration) error) Option {
	return func(p *Pipeline) {
		p.sleep = fn
	}
}

// New validates settings and builds a pipeline over driver. The
// connection pool lives until Close.
func New(settings config.Settings, driver graphdb.Driver, analyzer llm.Analyzer, opts ...Option) (*Pipeline, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if analyzer == nil {
		return nil, faults.Invalid("analyzer", "must not be nil")
	}

	p := &Pipeline{
		settings: settings,
		defaults: DefaultsFromSettings(settings),
		analyzer: analyzer,
		scorer:   DefaultScorer{},
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pipeline")

	pool, err := graphdb.NewPool(driver, graphdb.PoolConfig{
		Capacity:       settings.PoolCapacity,
		AcquireTimeout: settings.PoolAcquireTimeout,
		Logger:         p.logger,
	})
	if err != nil {
		return nil, err
	}
	executor, err := graphdb.NewExecutor(pool, graphdb.ExecutorConfig{
		MaxRetries:     settings.MaxRetries,
		RetryDelay:     settings.RetryDelay,
		AcquireTimeout: settings.PoolAcquireTimeout,
		Logger:         p.logger,
		Sleep:          p.sleep,
	})
	if err != nil {
		return nil, err
	}
	graph, err := p.buildGraph()
	if err != nil {
		return nil, fmt.Errorf("compile stages: %w", err)
	}
	workers, err := ants.NewPool(settings.BatchWorkers)
	if err != nil {
		return nil, fmt.Errorf("create batch workers: %w", err)
	}

	p.pool, p.executor, p.graph, p.workers = pool, executor, graph, workers

	if p.warm > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), settings.PoolAcquireTimeout)
		defer cancel()
		if err := pool.Warm(ctx, p.warm); err != nil {
			workers.Release()
			_ = pool.Drain(context.Background())
			return nil, fmt.Errorf("warm pool: %w", err)
		}
	}
	return p, nil
}

// Pool returns the connection pool.
func (p *Pipeline) Pool() *graphdb.Pool { return p.pool }

// Defaults returns the query defaults taken from settings.
func (p *Pipeline) Defaults() Defaults { return p.defaults }

// RunPipeline runs one query. qc may be nil; its unset fields take the
// settings defaults. It never returns nil and never panics: failures
// are recorded on the returned state.
func (p *Pipeline) RunPipeline(ctx context.Context, query string, qc *QueryContext) (st *PipelineState) {
	runID := uuid.New().String()
	st = newPipelineState(runID, query, p.resolveContext(qc))
	started := time.Now()
	logger := p.logger.With("run_id", runID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked", "panic", r)
			st = st.fail("pipeline", fmt.Errorf("pipeline panicked: %v", r))
		}
		_ = st.metrics.Finalize(time.Since(started))
	}()

	if p.closed.Load() {
		return st.fail("pipeline", ErrPipelineClosed)
	}
	if strings.TrimSpace(query) == "" {
		return st.fail("pipeline", faults.Invalid("query", "must not be empty"))
	}

	cacheKey := p.lookupCache(ctx, logger, st)
	if st.Succeeded() {
		return st
	}

	opts := []stagegraph.RunOption{
		stagegraph.WithName("tenderflow"),
		stagegraph.WithRunID(runID),
		stagegraph.WithLogger(p.logger),
		stagegraph.WithMetrics(p.metrics),
		stagegraph.WithTracing(p.spans),
	}
	if p.checkpoints != nil {
		opts = append(opts, stagegraph.WithCheckpointing(p.checkpoints))
	}

	st, report := p.graph.Run(ctx, st, opts...)

	for _, o := range report.Stages {
		if o.Skipped {
			continue
		}
		_ = st.metrics.RecordStage(o.Stage, o.Duration)
		if o.Err != nil {
			st.recordFailure(o.Stage, o.Err, o.Recovered)
		}
	}

	if report.Status == stagegraph.StatusSucceeded && !report.Degraded {
		p.storeCache(ctx, logger, cacheKey, st)
	}
	return st
}

func (p *Pipeline) resolveContext(qc *QueryContext) *QueryContext {
	if qc == nil {
		qc = &QueryContext{createdAt: time.Now()}
	}
	return qc.resolve(p.defaults)
}

// lookupCache marks st succeeded when its results are cached and returns
// the cache key. Cache failures are logged and ignored.
func (p *Pipeline) lookupCache(ctx context.Context, logger *slog.Logger, st *PipelineState) string {
	if p.cache == nil {
		return ""
	}
	key, err := cache.Key(st.Query, st.Context.key())
	if err != nil {
		logger.Warn("cache key failed", "error", err)
		return ""
	}
	results, ok, err := cache.GetJSON[[]ResultRecord](ctx, p.cache, key)
	if err != nil {
		logger.Warn("cache lookup failed", "error", err)
		return key
	}
	if !ok {
		return key
	}

	st.ObserveStatus(stagegraph.StatusRunning)
	if err := st.SetResults(results); err != nil {
		return key
	}
	_ = st.metrics.RecordResults(len(results))
	_ = st.metrics.RecordCacheHit()
	st.ObserveStatus(stagegraph.StatusSucceeded)
	logger.Info("served from cache", "results", len(results))
	return key
}

func (p *Pipeline) storeCache(ctx context.Context, logger *slog.Logger, key string, st *PipelineState) {
	if p.cache == nil || key == "" {
		return
	}
	if err := cache.PutJSON(ctx, p.cache, key, st.Results()); err != nil {
		logger.Warn("cache store failed", "error", err)
	}
}

// Close stops new runs, waits for outstanding connection leases and
// closes every connection. Later calls return nil.
func (p *Pipeline) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.workers.Release()
	return p.pool.Drain(ctx)
}
