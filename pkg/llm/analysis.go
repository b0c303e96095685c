// Package llm provides the language-understanding capability used by the
// retrieval pipeline: turning a tender query into a structured Analysis and
// optionally rewriting it with that analysis as context.
//
// Client is backed by any langchaingo llms.Model; NewOpenAI and
// NewAnthropic build the two hosted backends. MockClient is a scriptable
// stand-in for tests.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/randalmurphal/tenderflow/pkg/faults"
)

// DateLayout is the format of temporal bounds (YYYY-MM-DD).
const DateLayout = "2006-01-02"

// Analyzer produces a structured analysis of a query.
type Analyzer interface {
	Analyze(ctx context.Context, query string) (Analysis, error)
}

// Refiner rewrites a query using a prior analysis.
type Refiner interface {
	Refine(ctx context.Context, query string, a Analysis) (string, error)
}

// Analysis is the structured reading of a tender query.
type Analysis struct {
	Intent               string          `json:"query_intent"`
	KeyConcepts          []string        `json:"key_concepts"`
	Entities             []string        `json:"entities,omitempty"`
	Constraints          []string        `json:"constraints,omitempty"`
	DocumentScope        []string        `json:"document_scope,omitempty"`
	TemporalAspects      TemporalAspects `json:"temporal_aspects"`
	RelationshipPatterns []string        `json:"relationship_patterns,omitempty"`
	ComplianceChecks     []string        `json:"compliance_checks,omitempty"`
}

// TemporalAspects bounds document validity.
type TemporalAspects struct {
	ValidFrom string `json:"valid_from,omitempty"`
	ValidTo   string `json:"valid_to,omitempty"`
	IsCurrent bool   `json:"is_current"`
}

// Validate checks the date formats and their order.
func (t TemporalAspects) Validate() error {
	from, err := parseDate("valid_from", t.ValidFrom)
	if err != nil {
		return err
	}
	to, err := parseDate("valid_to", t.ValidTo)
	if err != nil {
		return err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return faults.Invalid("valid_to", "%s is before valid_from %s", t.ValidTo, t.ValidFrom)
	}
	return nil
}

func parseDate(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(DateLayout, v)
	if err != nil {
		return time.Time{}, faults.Invalid(field, "date must be in YYYY-MM-DD format, got %q", v)
	}
	return ts, nil
}

// Validate checks the analysis is usable downstream.
func (a Analysis) Validate() error {
	return a.TemporalAspects.Validate()
}

// Terms returns the lower-cased key concepts followed by entities,
// blank and duplicate entries removed, first occurrence kept.
func (a Analysis) Terms() []string {
	seen := make(map[string]struct{}, len(a.KeyConcepts)+len(a.Entities))
	var terms []string
	for _, group := range [][]string{a.KeyConcepts, a.Entities} {
		for _, t := range group {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			terms = append(terms, t)
		}
	}
	return terms
}
