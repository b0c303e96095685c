package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goccy/go-json"

	"github.com/randalmurphal/tenderflow/pkg/retrieval"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	scoreColor  = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed, color.Bold)
	dimColor    = color.New(color.Faint)
)

// snippetLen bounds the content shown per result.
const snippetLen = 160

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderState prints the outcome of one run for a terminal.
func renderState(w io.Writer, st *retrieval.PipelineState) {
	headerColor.Fprintf(w, "%q\n", st.Query)
	dimColor.Fprintf(w, "run %s\n", st.RunID)

	switch {
	case !st.Succeeded():
		errColor.Fprintf(w, "failed: %v\n", st.Err())
	case st.Degraded():
		warnColor.Fprintln(w, "degraded: query refinement failed, original query used")
	}
	for _, f := range st.Errors() {
		if f.Recovered {
			warnColor.Fprintf(w, "  %s (%s, recovered): %s\n", f.Stage, f.Kind, f.Message)
		}
	}

	results := st.Results()
	if st.Succeeded() && len(results) == 0 {
		fmt.Fprintln(w, "no matching documents")
	}
	for i, r := range results {
		fmt.Fprintf(w, "%2d. ", i+1)
		scoreColor.Fprintf(w, "%.3f", r.Score())
		fmt.Fprintf(w, "  %s\n", r.ID())
		if c := snippet(r.Content()); c != "" {
			fmt.Fprintf(w, "    %s\n", c)
		}
		for _, rel := range r.Relationships() {
			dimColor.Fprintf(w, "    -[%s]-> %s\n", rel.Type, rel.Target)
		}
		if md := r.Metadata(); len(md) > 0 {
			dimColor.Fprintf(w, "    %s\n", formatMetadata(md))
		}
	}
	renderMetrics(w, st.Metrics())
}

func renderMetrics(w io.Writer, m retrieval.MetricsSnapshot) {
	sum := m.Summary()
	if sum.ServedByCache {
		dimColor.Fprintf(w, "served from cache in %s\n", sum.Total)
		return
	}
	line := fmt.Sprintf("%d stages in %s, slowest %s (%s)",
		sum.StageCount, sum.Total, sum.SlowestStage, sum.SlowestTime)
	if sum.Retries > 0 {
		line += fmt.Sprintf(", %d retries, %s backoff", sum.Retries, sum.TotalBackoff)
	}
	if n := m.Analyzer.Retries + m.Refiner.Retries; n > 0 {
		line += fmt.Sprintf(", %d model retries", n)
	}
	dimColor.Fprintln(w, line)
}

func renderBatchSummary(w io.Writer, s retrieval.BatchSummary) {
	headerColor.Fprintf(w, "%d queries: ", s.Total)
	scoreColor.Fprintf(w, "%d succeeded", s.Succeeded)
	fmt.Fprint(w, ", ")
	if s.Failed > 0 {
		errColor.Fprintf(w, "%d failed", s.Failed)
	} else {
		fmt.Fprint(w, "0 failed")
	}
	fmt.Fprintf(w, ", %d degraded, %d from cache, %d results\n", s.Degraded, s.CacheHits, s.Results)
}

func renderResultSummary(w io.Writer, s retrieval.ResultSummary) {
	if s.Count == 0 {
		return
	}
	dimColor.Fprintf(w, "relevance mean %.3f, min %.3f, max %.3f, stddev %.3f\n",
		s.MeanScore, s.MinScore, s.MaxScore, s.StdDevScore)
	if len(s.Relationships) > 0 {
		dimColor.Fprintf(w, "relationships %s\n", formatCounts(s.Relationships))
	}
}

func snippet(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if len([]rune(content)) <= snippetLen {
		return content
	}
	return string([]rune(content)[:snippetLen]) + "..."
}

func formatMetadata(md map[string]any) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, md[k]))
	}
	return strings.Join(parts, " ")
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
