package retrieval

import (
	"errors"
	"slices"
	"strings"
	"unicode"

	"github.com/randalmurphal/tenderflow/pkg/faults"
	"github.com/randalmurphal/tenderflow/pkg/llm"
)

// ErrUntranslatable is returned when a query yields nothing to search for.
var ErrUntranslatable = errors.New("query cannot be translated: no terms and no intent")

// Overfetch bounds how many rows are requested per wanted result, since
// scoring filters rows after the database has ranked them.
const (
	overfetchFactor = 3
	maxFetch        = 1000
	maxTerms        = 16
)

// documentQuery is the only Cypher the pipeline runs. Every value
// derived from user input arrives as a parameter.
const documentQuery = `MATCH (d:Document)
WHERE (size($scope) = 0 OR d.type IN $scope)
  AND ($valid_from IS NULL OR d.valid_to IS NULL OR d.valid_to >= date($valid_from))
  AND ($valid_to IS NULL OR d.valid_from IS NULL OR d.valid_from <= date($valid_to))
WITH d, [t IN $terms WHERE toLower(coalesce(d.content, '')) CONTAINS t] AS matched
WITH d, toFloat(size(matched)) / toFloat(size($terms)) AS score
WHERE score > 0 AND score >= $threshold
OPTIONAL MATCH (d)-[r]->(m)
WITH d, score, collect(CASE WHEN r IS NULL THEN NULL
  ELSE {type: type(r), target: coalesce(m.id, elementId(m)), properties: properties(r)} END) AS relationships
RETURN coalesce(d.id, elementId(d)) AS id,
       d.content AS content,
       score,
       properties(d) AS metadata,
       relationships
ORDER BY score DESC
LIMIT $limit`

// generateQuery translates an enhanced query into parametrized Cypher.
func generateQuery(eq *EnhancedQuery) (*GeneratedQuery, error) {
	if eq == nil {
		return nil, faults.Fatal("generate", ErrUntranslatable)
	}
	terms := eq.Terms
	if len(terms) == 0 {
		terms = keywords(eq.Intent)
	}
	if len(terms) == 0 {
		return nil, faults.Fatal("generate", ErrUntranslatable)
	}

	return &GeneratedQuery{
		Text: documentQuery,
		Params: map[string]any{
			"scope":      nonNil(eq.Scope),
			"terms":      terms,
			"threshold":  eq.Threshold,
			"limit":      fetchLimit(eq.MaxResults),
			"valid_from": nullable(eq.ValidFrom),
			"valid_to":   nullable(eq.ValidTo),
		},
	}, nil
}

func fetchLimit(maxResults int) int64 {
	n := maxResults * overfetchFactor
	if n > maxFetch || n <= 0 {
		n = maxFetch
	}
	if n < maxResults {
		n = maxResults
	}
	return int64(n)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// mergeConstraints folds the analysis and context into an EnhancedQuery.
// text is the refined query when refined is set, else the original.
func mergeConstraints(text string, refined bool, a *llm.Analysis, qc *QueryContext) *EnhancedQuery {
	eq := &EnhancedQuery{
		Text:       text,
		Refined:    refined,
		Scope:      qc.Scope(),
		Threshold:  qc.Threshold(),
		MaxResults: qc.MaxResults(),
	}

	var terms []string
	if a != nil {
		eq.Intent = a.Intent
		eq.ValidFrom = a.TemporalAspects.ValidFrom
		eq.ValidTo = a.TemporalAspects.ValidTo
		terms = a.Terms()
	}
	if refined {
		terms = appendUnique(terms, keywords(text)...)
	}
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	eq.Terms = terms
	return eq
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "are": {}, "all": {}, "any": {}, "into": {}, "find": {},
	"show": {}, "list": {}, "get": {}, "about": {}, "which": {}, "what": {},
}

// keywords returns the distinct lower-cased words of s with at least
// three characters, stopwords removed, in order of appearance.
func keywords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = appendUnique(out, f)
	}
	return out
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
