package retrieval

import (
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/randalmurphal/tenderflow/pkg/config"
	"github.com/randalmurphal/tenderflow/pkg/faults"
)

// Defaults fill QueryContext fields the caller leaves unset.
type Defaults struct {
	Scope           []string
	Threshold       float64
	MaxResults      int
	IncludeMetadata bool
}

// DefaultDefaults mirrors config.DefaultSettings.
func DefaultDefaults() Defaults {
	return DefaultsFromSettings(config.DefaultSettings())
}

// DefaultsFromSettings extracts the query defaults from s.
func DefaultsFromSettings(s config.Settings) Defaults {
	return Defaults{
		Scope:           slices.Clone(s.DefaultSearchScope),
		Threshold:       s.DefaultRelevanceThreshold,
		MaxResults:      s.DefaultMaxResults,
		IncludeMetadata: s.DefaultIncludeMetadata,
	}
}

type contextField uint8

const (
	fieldScope contextField = 1 << iota
	fieldThreshold
	fieldMaxResults
	fieldMetadata
)

// QueryContext holds the caller's constraints on one query.
// It is immutable; accessors return copies.
type QueryContext struct {
	scope           []string
	threshold       float64
	maxResults      int
	includeMetadata bool
	createdAt       time.Time
	explicit        contextField
}

// ContextOption sets one QueryContext field.
type ContextOption func(*contextBuilder)

type contextBuilder struct {
	qc       QueryContext
	defaults Defaults
}

// WithScope restricts results to the given document types. Labels are
// trimmed and de-duplicated, keeping the first occurrence.
func WithScope(labels ...string) ContextOption {
	return func(b *contextBuilder) {
		b.qc.scope = slices.Clone(labels)
		b.qc.explicit |= fieldScope
	}
}

// WithThreshold sets the minimum relevance score, in [0,1].
func WithThreshold(t float64) ContextOption {
	return func(b *contextBuilder) {
		b.qc.threshold = t
		b.qc.explicit |= fieldThreshold
	}
}

// WithMaxResults caps the number of results; must be positive.
func WithMaxResults(n int) ContextOption {
	return func(b *contextBuilder) {
		b.qc.maxResults = n
		b.qc.explicit |= fieldMaxResults
	}
}

// WithIncludeMetadata controls whether results carry metadata.
func WithIncludeMetadata(include bool) ContextOption {
	return func(b *contextBuilder) {
		b.qc.includeMetadata = include
		b.qc.explicit |= fieldMetadata
	}
}

// WithDefaults replaces the defaults used for unset fields.
func WithDefaults(d Defaults) ContextOption {
	return func(b *contextBuilder) {
		b.defaults = d
	}
}

// NewQueryContext builds and validates a QueryContext. Invalid values
// fail with *faults.ValidationError, joined when there are several.
func NewQueryContext(opts ...ContextOption) (*QueryContext, error) {
	b := contextBuilder{defaults: DefaultDefaults()}
	for _, opt := range opts {
		opt(&b)
	}
	qc := b.qc
	qc.createdAt = time.Now()
	qc.applyDefaults(b.defaults)

	scope, err := normalizeScope(qc.scope)
	if err != nil {
		return nil, err
	}
	qc.scope = scope

	if err := qc.validate(); err != nil {
		return nil, err
	}
	return &qc, nil
}

// MustQueryContext is NewQueryContext that panics on invalid options.
func MustQueryContext(opts ...ContextOption) *QueryContext {
	qc, err := NewQueryContext(opts...)
	if err != nil {
		panic("retrieval: " + err.Error())
	}
	return qc
}

func (qc *QueryContext) applyDefaults(d Defaults) {
	if qc.explicit&fieldScope == 0 {
		qc.scope = slices.Clone(d.Scope)
	}
	if qc.explicit&fieldThreshold == 0 {
		qc.threshold = d.Threshold
	}
	if qc.explicit&fieldMaxResults == 0 {
		qc.maxResults = d.MaxResults
	}
	if qc.explicit&fieldMetadata == 0 {
		qc.includeMetadata = d.IncludeMetadata
	}
}

func (qc *QueryContext) validate() error {
	var errs []error
	if math.IsNaN(qc.threshold) || qc.threshold < 0 || qc.threshold > 1 {
		errs = append(errs, faults.Invalid("relevance_threshold", "must be in [0,1], got %g", qc.threshold))
	}
	if qc.maxResults <= 0 {
		errs = append(errs, faults.Invalid("max_results", "must be positive, got %d", qc.maxResults))
	}
	return errors.Join(errs...)
}

func normalizeScope(labels []string) ([]string, error) {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			return nil, faults.Invalid("search_scope", "labels must not be empty")
		}
		if !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

// resolve returns a copy of qc with unset fields taken from d.
func (qc *QueryContext) resolve(d Defaults) *QueryContext {
	out := *qc
	out.scope = slices.Clone(qc.scope)
	out.applyDefaults(d)
	if scope, err := normalizeScope(out.scope); err == nil {
		out.scope = scope
	}
	return &out
}

// withScope returns a copy of qc scoped to labels. Invalid labels are dropped.
func (qc *QueryContext) withScope(labels []string) *QueryContext {
	out := *qc
	out.scope = nil
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" && !slices.Contains(out.scope, l) {
			out.scope = append(out.scope, l)
		}
	}
	return &out
}

// Scope returns the document types to search, in order.
func (qc *QueryContext) Scope() []string { return slices.Clone(qc.scope) }

// Threshold returns the minimum relevance score.
func (qc *QueryContext) Threshold() float64 { return qc.threshold }

// MaxResults returns the result cap.
func (qc *QueryContext) MaxResults() int { return qc.maxResults }

// IncludeMetadata reports whether results keep their metadata.
func (qc *QueryContext) IncludeMetadata() bool { return qc.includeMetadata }

// CreatedAt returns when the context was built.
func (qc *QueryContext) CreatedAt() time.Time { return qc.createdAt }

// ScopeSet reports whether the caller chose the scope.
func (qc *QueryContext) ScopeSet() bool { return qc.explicit&fieldScope != 0 }

// contextKey is the cache identity of a context: every field but the timestamp.
type contextKey struct {
	Scope           []string `json:"scope"`
	Threshold       float64  `json:"threshold"`
	MaxResults      int      `json:"max_results"`
	IncludeMetadata bool     `json:"include_metadata"`
}

func (qc *QueryContext) key() contextKey {
	return contextKey{
		Scope:           qc.Scope(),
		Threshold:       qc.threshold,
		MaxResults:      qc.maxResults,
		IncludeMetadata: qc.includeMetadata,
	}
}

type contextJSON struct {
	contextKey
	CreatedAt time.Time `json:"created_at"`
}

// MarshalJSON implements json.Marshaler.
func (qc *QueryContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextJSON{contextKey: qc.key(), CreatedAt: qc.createdAt})
}

// UnmarshalJSON implements json.Unmarshaler. Every field counts as set.
func (qc *QueryContext) UnmarshalJSON(data []byte) error {
	var raw contextJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	scope, err := normalizeScope(raw.Scope)
	if err != nil {
		return err
	}
	decoded := QueryContext{
		scope:           scope,
		threshold:       raw.Threshold,
		maxResults:      raw.MaxResults,
		includeMetadata: raw.IncludeMetadata,
		createdAt:       raw.CreatedAt,
		explicit:        fieldScope | fieldThreshold | fieldMaxResults | fieldMetadata,
	}
	if err := decoded.validate(); err != nil {
		return err
	}
	*qc = decoded
	return nil
}
