package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/tenderflow/pkg/graphdb"
	"github.com/randalmurphal/tenderflow/pkg/retrieval"
)

func newBatchCommand(g *globalFlags) *cobra.Command {
	var (
		cf          contextFlags
		asJSON      bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Answer every query in a file concurrently",
		Long: `batch reads one query per line; blank lines and lines starting with '#'
are skipped. Queries run concurrently on BATCH_WORKERS workers sharing one
connection pool. Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queries, err := readQueriesFrom(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if len(queries) == 0 {
				return errors.New("no queries in " + args[0])
			}

			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			if metricsAddr != "" {
				stop := serveMetrics(a, metricsAddr)
				defer stop()
			}

			qc, err := a.queryContext(cmd, &cf)
			if err != nil {
				return err
			}

			states := a.pipeline.RunBatch(cmd.Context(), queries, qc)
			summary := retrieval.SummarizeBatch(states)

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, map[string]any{"runs": states, "summary": summary}); err != nil {
					return err
				}
			} else {
				for _, st := range states {
					renderState(out, st)
					fmt.Fprintln(out)
				}
				renderBatchSummary(out, summary)
			}

			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d queries failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print run states and the summary as JSON")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the batch runs, e.g. :9090")
	return cmd
}

// readQueriesFrom reads queries from path, or from stdin when path is "-".
func readQueriesFrom(stdin io.Reader, path string) ([]string, error) {
	if path == "-" {
		return readQueries(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readQueries(f)
}

func readQueries(r io.Reader) ([]string, error) {
	var queries []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		queries = append(queries, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read queries: %w", err)
	}
	return queries, nil
}

// serveMetrics exposes the pool collector and Go runtime metrics on addr
// and returns a function that stops the server.
func serveMetrics(a *app, addr string) func() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		graphdb.NewPoolCollector(a.pipeline.Pool(), prometheus.Labels{"database": a.settings.Neo4jDatabase}),
		collectors.NewGoCollector(),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
