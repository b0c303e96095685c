package benchmarks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/randalmurphal/tenderflow/pkg/config"
	"github.com/randalmurphal/tenderflow/pkg/graphdb"
	"github.com/randalmurphal/tenderflow/pkg/llm"
	"github.com/randalmurphal/tenderflow/pkg/retrieval"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph"
)

// State is the benchmark stage state.
type State struct {
	Value int    `json:"value"`
	Data  string `json:"data"`
}

func noopStage(_ stagegraph.Context, s *State) (*State, error) {
	s.Value++
	return s, nil
}

func stageName(n int) string {
	return fmt.Sprintf("stage%d", n)
}

// buildLinearGraph chains n stages, each requiring the previous one.
func buildLinearGraph(n int) *stagegraph.Graph[*State] {
	g := stagegraph.NewGraph[*State]()
	for i := 0; i < n; i++ {
		st := stagegraph.Stage[*State]{Name: stageName(i), Run: noopStage}
		if i > 0 {
			st.Requires = []string{stageName(i - 1)}
		}
		g.AddStage(st)
	}
	return g
}

func mustCompile(g *stagegraph.Graph[*State]) *stagegraph.CompiledGraph[*State] {
	compiled, err := g.Compile()
	if err != nil {
		panic(err)
	}
	return compiled
}

// rowsConn answers every query with rows.
type rowsConn struct {
	rows []graphdb.Row
}

func (c rowsConn) Run(ctx context.Context, _ string, _ map[string]any) ([]graphdb.Row, error) {
	return c.rows, ctx.Err()
}

func (rowsConn) Ping(ctx context.Context) error  { return ctx.Err() }
func (rowsConn) Close(ctx context.Context) error { return nil }

func makeRows(n int) []graphdb.Row {
	rows := make([]graphdb.Row, n)
	for i := range rows {
		rows[i] = graphdb.Row{
			"id":      fmt.Sprintf("doc-%d", i),
			"content": "network infrastructure requirements section",
			"score":   float64(i%100) / 100,
			"metadata": map[string]any{
				"type": "Technical",
			},
		}
	}
	return rows
}

func newPipeline(b *testing.B, rows []graphdb.Row, opts ...retrieval.Option) *retrieval.Pipeline {
	b.Helper()
	s := config.DefaultSettings()
	s.RetryDelay = time.Millisecond
	driver := graphdb.DriverFunc(func(context.Context) (graphdb.Conn, error) {
		return rowsConn{rows: rows}, nil
	})
	opts = append([]retrieval.Option{
		retrieval.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	p, err := retrieval.New(s, driver, llm.NewMockClient(), opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}
