package retrieval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tenderflow/pkg/config"
	"github.com/randalmurphal/tenderflow/pkg/graphdb"
	"github.com/randalmurphal/tenderflow/pkg/llm"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph/observability"
)

// fakeDriver answers every query with runFn, or with rows when runFn is nil.
type fakeDriver struct {
	mu     sync.Mutex
	rows   []graphdb.Row
	runFn  func(attempt int64, query string, params map[string]any) ([]graphdb.Row, error)
	runs   atomic.Int64
	opens  atomic.Int64
	closes atomic.Int64

	lastQuery  string
	lastParams map[string]any
}

func (d *fakeDriver) Open(ctx context.Context) (graphdb.Conn, error) {
	d.opens.Add(1)
	return &fakeConn{driver: d}, nil
}

func (d *fakeDriver) last() (string, map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastQuery, d.lastParams
}

type fakeConn struct {
	driver *fakeDriver
}

func (c *fakeConn) Run(ctx context.Context, query string, params map[string]any) ([]graphdb.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := c.driver
	n := d.runs.Add(1)
	d.mu.Lock()
	d.lastQuery, d.lastParams = query, params
	fn, rows := d.runFn, d.rows
	d.mu.Unlock()
	if fn != nil {
		return fn(n, query, params)
	}
	return rows, nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return ctx.Err() }

func (c *fakeConn) Close(ctx context.Context) error {
	c.driver.closes.Add(1)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSettings are the defaults with fast retries.
func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.RetryDelay = time.Millisecond
	s.PoolAcquireTimeout = time.Second
	return s
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// newTestPipeline builds a pipeline over d and closes it on cleanup.
func newTestPipeline(t *testing.T, d *fakeDriver, analyzer llm.Analyzer, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithBackoffSleep(noSleep)}, opts...)
	p, err := New(testSettings(), d, analyzer, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

// docRow builds a row as returned by documentQuery.
func docRow(id string, score float64, content string) graphdb.Row {
	return graphdb.Row{
		"id":      id,
		"content": content,
		"score":   score,
		"metadata": map[string]any{
			"type":  "Technical",
			"title": "Doc " + id,
		},
		"relationships": []any{
			map[string]any{"type": "REFERENCES", "target": "req-1"},
		},
	}
}

func mustRecord(t *testing.T, f RecordFields) ResultRecord {
	t.Helper()
	r, err := NewResultRecord(f)
	require.NoError(t, err)
	return r
}

// recordingSpans captures the retry and query annotations.
type recordingSpans struct {
	observability.NoopSpanManager
	mu      sync.Mutex
	retries []string
	queries []observability.QueryAttrs
}

func (r *recordingSpans) RecordRetry(_ context.Context, target string, attempt int, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, fmt.Sprintf("%s#%d", target, attempt))
}

func (r *recordingSpans) RecordQuery(_ context.Context, q observability.QueryAttrs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
}
