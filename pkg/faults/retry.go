package faults

import (
	"context"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Values below 1 are treated as 1.
	MaxAttempts int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// Factor multiplies the delay after each retry. Zero means 2.
	Factor float64

	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration

	// Retryable optionally overrides IsRetryable.
	Retryable func(error) bool

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy retries three times starting at one second, doubling.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	Factor:      2,
}

// NoRetry disables retries.
var NoRetry = Policy{MaxAttempts: 1}

// StopReason explains why Retry returned.
type StopReason int

const (
	// StopSucceeded means an attempt returned no error.
	StopSucceeded StopReason = iota
	// StopNotRetryable means an attempt failed with a non-retryable error.
	StopNotRetryable
	// StopExhausted means every attempt failed with a retryable error.
	StopExhausted
	// StopCanceled means the context ended before or between attempts.
	StopCanceled
)

// String returns the reason name.
func (r StopReason) String() string {
	switch r {
	case StopSucceeded:
		return "succeeded"
	case StopNotRetryable:
		return "not_retryable"
	case StopExhausted:
		return "exhausted"
	case StopCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result contains the outcome of a retried operation.
type Result[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the last error observed, nil on success.
	Err error

	// Stop explains why retrying ended.
	Stop StopReason

	// Attempts is the number of attempts made.
	Attempts int

	// Delays holds every backoff delay applied, in order.
	Delays []time.Duration

	// Duration is the total time spent, sleeps included.
	Duration time.Duration
}

// Retries returns the number of retries performed (attempts after the first).
func (r Result[T]) Retries() int {
	return len(r.Delays)
}

// Delay returns the wait before retry number attempt (1-based):
// BaseDelay * Factor^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= factor
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Attempts returns the effective attempt budget.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Retry executes fn until it succeeds, fails with a non-retryable error,
// exhausts the attempt budget, or ctx ends. fn receives the 1-based
// attempt number. Backoff sleeps honour ctx.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) Result[T] {
	start := time.Now()
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var res Result[T]
	maxAttempts := p.Attempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if res.Err == nil {
				res.Err = err
			}
			res.Stop = StopCanceled
			res.Duration = time.Since(start)
			return res
		}

		res.Attempts = attempt
		value, err := fn(ctx, attempt)
		if err == nil {
			res.Value = value
			res.Err = nil
			res.Stop = StopSucceeded
			res.Duration = time.Since(start)
			return res
		}
		res.Err = err

		if !retryable(err) {
			res.Stop = StopNotRetryable
			res.Duration = time.Since(start)
			return res
		}

		// Don't sleep after the last attempt
		if attempt == maxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			res.Stop = StopCanceled
			res.Duration = time.Since(start)
			return res
		}
		res.Delays = append(res.Delays, delay)
	}

	res.Stop = StopExhausted
	res.Duration = time.Since(start)
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) PolicyOption {
	return func(p *Policy) {
		p.MaxAttempts = n
	}
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) PolicyOption {
	return func(p *Policy) {
		p.BaseDelay = d
	}
}

// WithMaxDelay caps individual delays.
func WithMaxDelay(d time.Duration) PolicyOption {
	return func(p *Policy) {
		p.MaxDelay = d
	}
}

// WithFactor sets the backoff multiplier.
func WithFactor(f float64) PolicyOption {
	return func(p *Policy) {
		p.Factor = f
	}
}

// WithRetryable sets a custom retryability check.
func WithRetryable(fn func(error) bool) PolicyOption {
	return func(p *Policy) {
		p.Retryable = fn
	}
}

// WithOnRetry sets a callback invoked before each backoff sleep.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) PolicyOption {
	return func(p *Policy) {
		p.OnRetry = fn
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) PolicyOption {
	return func(p *Policy) {
		p.Sleep = fn
	}
}

// NewPolicy creates a policy from DefaultPolicy with the given options.
func NewPolicy(opts ...PolicyOption) Policy {
	p := DefaultPolicy
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
