package retrieval

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// WriteResults encodes results as an indented JSON array.
func WriteResults(w io.Writer, results []ResultRecord) error {
	if results == nil {
		results = []ResultRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	return nil
}

// ReadResults decodes a JSON array written by WriteResults. Every record
// is validated as by NewResultRecord.
func ReadResults(r io.Reader) ([]ResultRecord, error) {
	var results []ResultRecord
	if err := json.NewDecoder(r).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return results, nil
}

// SaveResults writes results to path, creating parent directories.
// The file is replaced atomically.
func SaveResults(path string, results []ResultRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".results-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteResults(tmp, results); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadResults reads results saved by SaveResults.
func LoadResults(path string) ([]ResultRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadResults(f)
}

// ResultSummary describes a result set.
type ResultSummary struct {
	Count        int     `json:"count"`
	MeanScore    float64 `json:"mean_score"`
	MinScore     float64 `json:"min_score"`
	MaxScore     float64 `json:"max_score"`
	StdDevScore  float64 `json:"stddev_score"`
	WithMetadata int     `json:"with_metadata"`
	// Relationships counts relationships by type.
	Relationships map[string]int `json:"relationships"`
}

// Summarize computes relevance statistics and the relationship type
// distribution of results. The standard deviation is the population one.
func Summarize(results []ResultRecord) ResultSummary {
	s := ResultSummary{
		Count:         len(results),
		Relationships: map[string]int{},
	}
	if len(results) == 0 {
		return s
	}

	s.MinScore, s.MaxScore = math.Inf(1), math.Inf(-1)
	var total float64
	for _, r := range results {
		total += r.score
		s.MinScore = math.Min(s.MinScore, r.score)
		s.MaxScore = math.Max(s.MaxScore, r.score)
		if r.HasMetadata() {
			s.WithMetadata++
		}
		for _, rel := range r.relationships {
			s.Relationships[rel.Type]++
		}
	}
	s.MeanScore = total / float64(len(results))

	var variance float64
	for _, r := range results {
		d := r.score - s.MeanScore
		variance += d * d
	}
	s.StdDevScore = math.Sqrt(variance / float64(len(results)))
	return s
}
