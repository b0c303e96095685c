package graphdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/tenderflow/pkg/faults"
)

// Sentinel errors for pool operations.
var (
	// ErrPoolExhausted indicates no lease became available within the
	// acquire timeout. It is always wrapped in a *faults.TransientIOError.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed indicates the pool is draining or drained.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrHandleReleased indicates a handle was released twice.
	ErrHandleReleased = errors.New("handle already released")
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Capacity is the maximum number of open connections. Required.
	Capacity int

	// AcquireTimeout is used when Acquire is called with a zero timeout.
	// Default: 30s.
	AcquireTimeout time.Duration

	// PingTimeout bounds the health check of an idle connection.
	// Default: 2s.
	PingTimeout time.Duration

	// Logger receives pool events. Default: slog.Default().
	Logger *slog.Logger
}

// Validate reports configuration errors.
func (c PoolConfig) Validate() error {
	var errs []error
	if c.Capacity <= 0 {
		errs = append(errs, faults.Invalid("pool_capacity", "must be positive, got %d", c.Capacity))
	}
	if c.AcquireTimeout < 0 {
		errs = append(errs, faults.Invalid("pool_acquire_timeout", "must not be negative, got %s", c.AcquireTimeout))
	}
	if c.PingTimeout < 0 {
		errs = append(errs, faults.Invalid("pool_ping_timeout", "must not be negative, got %s", c.PingTimeout))
	}
	return errors.Join(errs...)
}

// Pool manages a bounded set of reusable graph-store connections.
//
// Capacity is enforced by a weighted semaphore so waiting callers never
// hold the pool mutex; the mutex only guards the idle list and the set of
// outstanding leases and is never held across network I/O.
type Pool struct {
	driver Driver
	cfg    PoolConfig
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	idle     []*pooledConn
	leased   map[*Handle]struct{}
	// checkouts counts Acquire calls between taking a slot and
	// recording the lease.
	checkouts int
	draining  bool
	leases   sync.WaitGroup

	opened         atomic.Int64
	closed         atomic.Int64
	acquired       atomic.Int64
	released       atomic.Int64
	timeouts       atomic.Int64
	healthFailures atomic.Int64
	waitNanos      atomic.Int64
}

// pooledConn tracks one open connection.
type pooledConn struct {
	conn      Conn
	createdAt time.Time
	lastUsed  time.Time
	uses      int64
}

// NewPool creates a pool over driver. No connections are opened until
// the first Acquire or an explicit Warm.
func NewPool(driver Driver, cfg PoolConfig) (*Pool, error) {
	if driver == nil {
		return nil, faults.Invalid("driver", "must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		driver: driver,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "graph_pool")),
		sem:    semaphore.NewWeighted(int64(cfg.Capacity)),
		leased: make(map[*Handle]struct{}),
	}, nil
}

// Capacity returns the configured upper bound.
func (p *Pool) Capacity() int {
	return p.cfg.Capacity
}

// Warm eagerly opens up to n idle connections, stopping at capacity.
func (p *Pool) Warm(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if !p.sem.TryAcquire(1) {
			return nil
		}
		p.mu.Lock()
		if p.draining || len(p.idle)+len(p.leased)+p.checkouts >= p.cfg.Capacity {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil
		}
		p.mu.Unlock()

		conn, err := p.driver.Open(ctx)
		if err != nil {
			p.sem.Release(1)
			return fmt.Errorf("warm connection %d: %w", i+1, err)
		}
		p.opened.Add(1)

		now := time.Now()
		p.mu.Lock()
		p.idle = append(p.idle, &pooledConn{conn: conn, createdAt: now, lastUsed: now})
		p.mu.Unlock()
		p.sem.Release(1)
	}
	return nil
}

// Acquire leases a connection, waiting up to timeout (or the configured
// AcquireTimeout when timeout is zero) for one to become available.
//
// A timed-out acquisition returns an error wrapping ErrPoolExhausted and
// leaves the pool unchanged. An idle connection that fails its health
// check is closed and replaced; the caller never sees a dead connection.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	start := time.Now()
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	err := p.sem.Acquire(acquireCtx, 1)
	cancel()
	waited := time.Since(start)
	p.waitNanos.Add(int64(waited))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.timeouts.Add(1)
		p.logger.Debug("acquire timed out",
			slog.Duration("waited", waited),
			slog.Int("capacity", p.cfg.Capacity))
		return nil, faults.Transient("acquire",
			fmt.Errorf("%w: no connection within %s (capacity %d)", ErrPoolExhausted, timeout, p.cfg.Capacity))
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	// Reserve the lease before unlocking so Drain waits for it.
	p.leases.Add(1)
	p.checkouts++
	var pc *pooledConn
	if n := len(p.idle); n > 0 {
		pc = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	pc, err = p.checkout(ctx, pc)
	if err != nil {
		p.mu.Lock()
		p.checkouts--
		p.mu.Unlock()
		p.sem.Release(1)
		p.leases.Done()
		return nil, err
	}

	h := &Handle{pool: p, pc: pc, wait: waited}
	p.mu.Lock()
	p.checkouts--
	p.leased[h] = struct{}{}
	p.mu.Unlock()
	p.acquired.Add(1)

	return h, nil
}

// checkout validates an idle connection or opens a new one.
// Called without the pool lock held.
func (p *Pool) checkout(ctx context.Context, pc *pooledConn) (*pooledConn, error) {
	if pc != nil {
		pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
		err := pc.conn.Ping(pingCtx)
		cancel()
		if err == nil {
			pc.lastUsed = time.Now()
			pc.uses++
			return pc, nil
		}
		p.healthFailures.Add(1)
		p.logger.Debug("replacing dead connection",
			slog.String("error", err.Error()),
			slog.Duration("age", time.Since(pc.createdAt)),
			slog.Int64("use_count", pc.uses))
		p.closeConn(ctx, pc)
	}

	conn, err := p.driver.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	p.opened.Add(1)

	now := time.Now()
	return &pooledConn{conn: conn, createdAt: now, lastUsed: now, uses: 1}, nil
}

// Release returns a leased connection to the pool. Broken connections,
// and every connection once the pool is draining, are closed instead.
// Releasing a handle twice returns ErrHandleReleased and has no effect.
func (p *Pool) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	if !h.released.CompareAndSwap(false, true) {
		return ErrHandleReleased
	}

	p.mu.Lock()
	delete(p.leased, h)
	keep := !h.broken.Load() && !p.draining
	if keep {
		h.pc.lastUsed = time.Now()
		p.idle = append(p.idle, h.pc)
	}
	p.mu.Unlock()

	if !keep {
		p.closeConn(context.Background(), h.pc)
	}

	p.released.Add(1)
	p.sem.Release(1)
	p.leases.Done()
	return nil
}

// With leases a connection for the duration of fn. The lease is released
// on every exit path, including panics; a connection whose context ended
// mid-use is discarded rather than reused.
func (p *Pool) With(ctx context.Context, timeout time.Duration, fn func(h *Handle) error) (err error) {
	h, err := p.Acquire(ctx, timeout)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			h.MarkBroken()
			_ = p.Release(h)
			panic(r)
		}
		if err != nil && ctx.Err() != nil {
			h.MarkBroken()
		}
		_ = p.Release(h)
	}()

	return fn(h)
}

// Drain blocks new acquisitions, waits for every outstanding lease to be
// released, then closes all connections. If ctx ends first the pool stays
// closed to new work and the error reports the leases still outstanding.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	outstanding := len(p.leased)
	p.mu.Unlock()

	if outstanding > 0 {
		p.logger.Info("draining pool", slog.Int("outstanding", outstanding))
	}

	done := make(chan struct{})
	go func() {
		p.leases.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.mu.Lock()
		remaining := len(p.leased)
		p.mu.Unlock()
		return fmt.Errorf("drain: %d leases outstanding: %w", remaining, ctx.Err())
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, pc := range idle {
		if err := p.closeConn(ctx, pc); err != nil {
			errs = append(errs, err)
		}
	}

	p.logger.Info("pool drained",
		slog.Int64("opened", p.opened.Load()),
		slog.Int64("closed", p.closed.Load()))
	return errors.Join(errs...)
}

func (p *Pool) closeConn(ctx context.Context, pc *pooledConn) error {
	p.closed.Add(1)
	if err := pc.conn.Close(ctx); err != nil {
		p.logger.Warn("close connection failed", slog.String("error", err.Error()))
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Capacity       int           `json:"capacity"`
	Outstanding    int           `json:"outstanding"`
	Idle           int           `json:"idle"`
	Opened         int64         `json:"opened"`
	Closed         int64         `json:"closed"`
	Acquired       int64         `json:"acquired"`
	Released       int64         `json:"released"`
	Timeouts       int64         `json:"timeouts"`
	HealthFailures int64         `json:"health_failures"`
	TotalWait      time.Duration `json:"total_wait"`
	Draining       bool          `json:"draining"`
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	outstanding := len(p.leased)
	idle := len(p.idle)
	draining := p.draining
	p.mu.Unlock()

	return Stats{
		Capacity:       p.cfg.Capacity,
		Outstanding:    outstanding,
		Idle:           idle,
		Opened:         p.opened.Load(),
		Closed:         p.closed.Load(),
		Acquired:       p.acquired.Load(),
		Released:       p.released.Load(),
		Timeouts:       p.timeouts.Load(),
		HealthFailures: p.healthFailures.Load(),
		TotalWait:      time.Duration(p.waitNanos.Load()),
		Draining:       draining,
	}
}

// Handle is an exclusive lease on one pooled connection.
// It is owned by the goroutine that acquired it until released.
type Handle struct {
	pool     *Pool
	pc       *pooledConn
	wait     time.Duration
	released atomic.Bool
	broken   atomic.Bool
}

// Run executes a query on the leased connection. A transient failure
// marks the connection broken so it is not returned to the idle list.
func (h *Handle) Run(ctx context.Context, query string, params map[string]any) ([]Row, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	rows, err := h.pc.conn.Run(ctx, query, params)
	if err != nil && faults.IsRetryable(err) {
		h.broken.Store(true)
	}
	return rows, err
}

// Wait returns how long Acquire waited for this lease.
func (h *Handle) Wait() time.Duration {
	return h.wait
}

// MarkBroken prevents the connection from being reused after release.
func (h *Handle) MarkBroken() {
	h.broken.Store(true)
}

// Release returns the lease to its pool.
func (h *Handle) Release() error {
	return h.pool.Release(h)
}
