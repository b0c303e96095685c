package graphdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/tenderflow/pkg/faults"
)

// Kind classifies a terminal query failure.
type Kind int

const (
	// KindFatal means the failure could not be fixed by retrying.
	KindFatal Kind = iota
	// KindExhausted means every attempt failed transiently.
	KindExhausted
	// KindCanceled means the caller's context ended.
	KindCanceled
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindExhausted:
		return "exhausted"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// QueryError is returned by Executor.Execute when a query cannot produce rows.
type QueryError struct {
	Kind     Kind
	Attempts int
	// Err is the last underlying cause.
	Err error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

// Unwrap returns the underlying cause.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err is a QueryError of kind KindExhausted.
func IsExhausted(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Kind == KindExhausted
}

// ExecStats records what one Execute call cost.
type ExecStats struct {
	Attempts int
	Retries  int
	// Delays holds each backoff delay applied, in order.
	Delays   []time.Duration
	PoolWait time.Duration
	Duration time.Duration
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// MaxRetries is the total attempt budget. Values below 1 mean one attempt.
	MaxRetries int

	// RetryDelay is the wait before the first retry; later retries double it.
	RetryDelay time.Duration

	// AcquireTimeout bounds each pool acquisition. Zero uses the pool default.
	AcquireTimeout time.Duration

	// Logger receives retry events. Default: slog.Default().
	Logger *slog.Logger

	// Sleep replaces the backoff sleep, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs one query per call with retry and exponential backoff.
// Every attempt leases its own connection and releases it before any
// backoff sleep.
type Executor struct {
	pool   *Pool
	cfg    ExecutorConfig
	logger *slog.Logger
}

// NewExecutor creates an executor over pool.
func NewExecutor(pool *Pool, cfg ExecutorConfig) (*Executor, error) {
	if pool == nil {
		return nil, faults.Invalid("pool", "must not be nil")
	}
	if cfg.MaxRetries < 0 {
		return nil, faults.Invalid("max_retries", "must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.RetryDelay < 0 {
		return nil, faults.Invalid("retry_delay", "must not be negative, got %s", cfg.RetryDelay)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "graph_executor")),
	}, nil
}

// Pool returns the underlying connection pool.
func (e *Executor) Pool() *Pool {
	return e.pool
}

// Execute runs query with params and returns its rows.
//
// Transient failures are retried up to MaxRetries attempts in total with
// delays RetryDelay, 2*RetryDelay, 4*RetryDelay and so on. Other failures
// return immediately. Stats are populated on every path.
func (e *Executor) Execute(ctx context.Context, query string, params map[string]any) ([]Row, ExecStats, error) {
	var stats ExecStats

	policy := faults.NewPolicy(
		faults.WithMaxAttempts(e.cfg.MaxRetries),
		faults.WithBaseDelay(e.cfg.RetryDelay),
		faults.WithFactor(2),
		faults.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			e.logger.Warn("query attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		}),
	)
	if e.cfg.Sleep != nil {
		policy.Sleep = e.cfg.Sleep
	}

	res := faults.Retry(ctx, policy, func(ctx context.Context, attempt int) ([]Row, error) {
		var rows []Row
		err := e.pool.With(ctx, e.cfg.AcquireTimeout, func(h *Handle) error {
			stats.PoolWait += h.Wait()
			var runErr error
			rows, runErr = h.Run(ctx, query, params)
			return runErr
		})
		return rows, err
	})

	stats.Attempts = res.Attempts
	stats.Retries = res.Retries()
	stats.Delays = res.Delays
	stats.Duration = res.Duration

	switch res.Stop {
	case faults.StopSucceeded:
		return res.Value, stats, nil
	case faults.StopExhausted:
		e.logger.Error("query retries exhausted",
			slog.Int("attempts", res.Attempts),
			slog.String("error", res.Err.Error()))
		return nil, stats, &QueryError{Kind: KindExhausted, Attempts: res.Attempts, Err: res.Err}
	case faults.StopCanceled:
		return nil, stats, &QueryError{Kind: KindCanceled, Attempts: res.Attempts, Err: res.Err}
	default:
		if ctx.Err() != nil {
			return nil, stats, &QueryError{Kind: KindCanceled, Attempts: res.Attempts, Err: res.Err}
		}
		return nil, stats, &QueryError{Kind: KindFatal, Attempts: res.Attempts, Err: res.Err}
	}
}
