package graphdb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn.
type fakeConn struct {
	id     int
	driver *fakeDriver
	dead   atomic.Bool
	closed atomic.Bool
}

func (c *fakeConn) Run(ctx context.Context, query string, params map[string]any) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.driver.run(ctx, c, query, params)
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.dead.Load() {
		return io.ErrUnexpectedEOF
	}
	return ctx.Err()
}

func (c *fakeConn) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return errors.New("closed twice")
	}
	c.driver.closes.Add(1)
	return nil
}

// fakeDriver hands out fakeConns and routes Run calls to runFn.
type fakeDriver struct {
	mu      sync.Mutex
	conns   []*fakeConn
	opens   atomic.Int64
	closes  atomic.Int64
	runs    atomic.Int64
	openErr error

	// runFn answers queries. Nil returns a single empty row.
	runFn func(ctx context.Context, attempt int64, query string, params map[string]any) ([]Row, error)
}

func (d *fakeDriver) Open(ctx context.Context) (Conn, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{id: len(d.conns) + 1, driver: d}
	d.conns = append(d.conns, c)
	d.opens.Add(1)
	return c, nil
}

func (d *fakeDriver) run(ctx context.Context, _ *fakeConn, query string, params map[string]any) ([]Row, error) {
	n := d.runs.Add(1)
	if d.runFn == nil {
		return []Row{{}}, nil
	}
	return d.runFn(ctx, n, query, params)
}

// live returns the number of connections opened and not yet closed.
func (d *fakeDriver) live() int64 {
	return d.opens.Load() - d.closes.Load()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestPool creates a pool of the given capacity over a fresh fakeDriver.
func newTestPool(t *testing.T, capacity int) (*Pool, *fakeDriver) {
	t.Helper()
	d := &fakeDriver{}
	p, err := NewPool(d, PoolConfig{
		Capacity:       capacity,
		AcquireTimeout: time.Second,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)
	return p, d
}

// recordSleep returns a sleep func that records delays without waiting.
func recordSleep(mu *sync.Mutex, recorded *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*recorded = append(*recorded, d)
		mu.Unlock()
		return ctx.Err()
	}
}
