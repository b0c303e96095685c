package retrieval

import (
	"errors"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/randalmurphal/tenderflow/pkg/faults"
)

// Relationship links a result to another node.
type Relationship struct {
	Type       string         `json:"type"`
	Target     string         `json:"target"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Validate checks the required keys.
func (r Relationship) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Type) == "" {
		errs = append(errs, faults.Invalid("relationship.type", "required"))
	}
	if strings.TrimSpace(r.Target) == "" {
		errs = append(errs, faults.Invalid("relationship.target", "required"))
	}
	return errors.Join(errs...)
}

// RecordFields are the inputs of NewResultRecord.
type RecordFields struct {
	ID            string
	Content       string
	Score         float64
	Metadata      map[string]any
	Relationships []Relationship
}

// ResultRecord is one retrieved item. It is immutable: accessors return
// copies and rescoring produces a new record.
type ResultRecord struct {
	id            string
	content       string
	score         float64
	metadata      map[string]any
	relationships []Relationship
}

// NewResultRecord validates f and builds a record.
func NewResultRecord(f RecordFields) (ResultRecord, error) {
	var errs []error
	if strings.TrimSpace(f.ID) == "" {
		errs = append(errs, faults.Invalid("id", "required"))
	}
	if err := validScore(f.Score); err != nil {
		errs = append(errs, err)
	}
	for _, rel := range f.Relationships {
		if err := rel.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return ResultRecord{}, err
	}

	r := ResultRecord{
		id:       f.ID,
		content:  f.Content,
		score:    f.Score,
		metadata: maps.Clone(f.Metadata),
	}
	for _, rel := range f.Relationships {
		rel.Properties = maps.Clone(rel.Properties)
		r.relationships = append(r.relationships, rel)
	}
	return r, nil
}

func validScore(s float64) error {
	if math.IsNaN(s) || s < 0 || s > 1 {
		return faults.Invalid("relevance_score", "must be in [0,1], got %g", s)
	}
	return nil
}

// ID returns the node identifier.
func (r ResultRecord) ID() string { return r.id }

// Content returns the node text.
func (r ResultRecord) Content() string { return r.content }

// Score returns the relevance score.
func (r ResultRecord) Score() float64 { return r.score }

// HasMetadata reports whether metadata is attached.
func (r ResultRecord) HasMetadata() bool { return r.metadata != nil }

// Metadata returns a copy of the metadata, or nil.
func (r ResultRecord) Metadata() map[string]any { return maps.Clone(r.metadata) }

// Relationships returns a copy of the relationships.
func (r ResultRecord) Relationships() []Relationship {
	out := slices.Clone(r.relationships)
	for i := range out {
		out[i].Properties = maps.Clone(out[i].Properties)
	}
	return out
}

// WithScore returns a copy of r scored s.
func (r ResultRecord) WithScore(s float64) (ResultRecord, error) {
	if err := validScore(s); err != nil {
		return ResultRecord{}, err
	}
	r.score = s
	return r, nil
}

// WithoutMetadata returns a copy of r with no metadata.
func (r ResultRecord) WithoutMetadata() ResultRecord {
	r.metadata = nil
	return r
}

type recordJSON struct {
	ID            string         `json:"id"`
	Content       string         `json:"content"`
	Score         float64        `json:"relevance_score"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// MarshalJSON implements json.Marshaler. Metadata is omitted when absent.
func (r ResultRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:            r.id,
		Content:       r.content,
		Score:         r.score,
		Metadata:      r.metadata,
		Relationships: r.relationships,
	})
}

// UnmarshalJSON implements json.Unmarshaler with NewResultRecord's validation.
func (r *ResultRecord) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rec, err := NewResultRecord(RecordFields(raw))
	if err != nil {
		return err
	}
	*r = rec
	return nil
}
