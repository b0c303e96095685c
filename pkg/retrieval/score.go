package retrieval

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/randalmurphal/tenderflow/pkg/graphdb"
)

// ScoreInput is what a Scorer sees for one row.
type ScoreInput struct {
	Row graphdb.Row
	// Content is the row's text.
	Content string
	// Terms are the original query's keywords.
	Terms []string
}

// Scorer computes a relevance score in [0,1] for one row. Scores
// outside the range are clamped; NaN counts as 0.
type Scorer interface {
	Score(in ScoreInput) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(in ScoreInput) float64

// Score implements Scorer.
func (f ScorerFunc) Score(in ScoreInput) float64 { return f(in) }

// DefaultScoreField is the row column holding the database ranking signal.
const DefaultScoreField = "score"

// DefaultScorer uses the database ranking signal when the row has one,
// and lexical match strength otherwise.
type DefaultScorer struct {
	// Field names the ranking column. Empty means DefaultScoreField.
	Field string
}

// Score implements Scorer.
func (s DefaultScorer) Score(in ScoreInput) float64 {
	if v, ok := rankingSignal(in.Row, s.Field); ok {
		return v
	}
	return LexicalScore(in.Content, in.Terms)
}

// BlendedScorer mixes the ranking signal and lexical match strength.
// Rows without a ranking signal are scored lexically.
type BlendedScorer struct {
	Field string
	// Weight of the ranking signal in [0,1]; the rest goes to lexical.
	Weight float64
}

// Score implements Scorer.
func (s BlendedScorer) Score(in ScoreInput) float64 {
	lex := LexicalScore(in.Content, in.Terms)
	rank, ok := rankingSignal(in.Row, s.Field)
	if !ok {
		return lex
	}
	w := clamp(s.Weight)
	return w*rank + (1-w)*lex
}

// LexicalScore is the fraction of terms found in content, case-insensitive.
// No terms scores 0.
func LexicalScore(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, strings.ToLower(t)) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func rankingSignal(row graphdb.Row, field string) (float64, bool) {
	if field == "" {
		field = DefaultScoreField
	}
	v, ok := toFloat(row[field])
	if !ok {
		return 0, false
	}
	return clamp(v), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

type scoredRow struct {
	record ResultRecord
	index  int
}

// rankResults turns rows into records: score, drop rows under the
// threshold, sort descending keeping row order on ties, truncate, and
// strip metadata when not wanted. Rows that cannot become a record are
// reported in skipped.
func rankResults(rows []graphdb.Row, scorer Scorer, terms []string, qc *QueryContext) (results []ResultRecord, skipped []error) {
	scored := make([]scoredRow, 0, len(rows))
	for i, row := range rows {
		fields, err := recordFields(row)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("row %d: %w", i, err))
			continue
		}
		fields.Score = clamp(scorer.Score(ScoreInput{Row: row, Content: fields.Content, Terms: terms}))
		if fields.Score < qc.Threshold() {
			continue
		}
		rec, err := NewResultRecord(fields)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("row %d: %w", i, err))
			continue
		}
		scored = append(scored, scoredRow{record: rec, index: i})
	}

	slices.SortStableFunc(scored, func(a, b scoredRow) int {
		return cmp.Compare(b.record.Score(), a.record.Score())
	})
	if len(scored) > qc.MaxResults() {
		scored = scored[:qc.MaxResults()]
	}

	results = make([]ResultRecord, 0, len(scored))
	for _, s := range scored {
		rec := s.record
		if !qc.IncludeMetadata() {
			rec = rec.WithoutMetadata()
		}
		results = append(results, rec)
	}
	return results, skipped
}

// recordFields extracts id, content, metadata and relationships from a row.
// Relationships lacking a type or target are dropped.
func recordFields(row graphdb.Row) (RecordFields, error) {
	var f RecordFields
	f.ID = scalarString(row["id"])
	if f.ID == "" {
		f.ID = scalarString(row["node_id"])
	}

	switch c := row["content"].(type) {
	case string:
		f.Content = c
	case nil:
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return f, fmt.Errorf("encode content: %w", err)
		}
		f.Content = string(raw)
	}

	if md, ok := row["metadata"].(map[string]any); ok {
		f.Metadata = md
	}

	for _, raw := range asMaps(row["relationships"]) {
		rel := Relationship{
			Type:   scalarString(raw["type"]),
			Target: scalarString(raw["target"]),
		}
		if props, ok := raw["properties"].(map[string]any); ok && len(props) > 0 {
			rel.Properties = props
		}
		if rel.Validate() == nil {
			f.Relationships = append(f.Relationships, rel)
		}
	}
	return f, nil
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case int64:
		return strconv.FormatInt(s, 10)
	case int:
		return strconv.Itoa(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

func asMaps(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
