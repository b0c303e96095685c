package llm

import (
	"fmt"
	"strings"
)

const analysisSystemPrompt = `You are an expert system specialized in analyzing queries for a tender document knowledge graph.
Answer with a single JSON object and nothing else. Use exactly these keys:
{
  "query_intent": string,
  "key_concepts": [string],
  "entities": [string],
  "constraints": [string],
  "document_scope": [string],
  "temporal_aspects": {"valid_from": "YYYY-MM-DD" or null, "valid_to": "YYYY-MM-DD" or null, "is_current": bool},
  "relationship_patterns": [string],
  "compliance_checks": [string]
}`

const refineSystemPrompt = `You are an expert in enhancing queries for tender document retrieval.
Rewrite the query into a more precise search request. Answer with the rewritten query text only.`

func analysisPrompt(query string) string {
	return fmt.Sprintf(`Analyze this query.

1. Query intent: %s
2. Key concepts: extract the main entities and concepts
3. Temporal aspects: identify time-related constraints
4. Document scope: name the relevant document types
5. Relationship patterns: describe how documents connect
6. Compliance checks: list compliance requirements`, query)
}

func refinePrompt(query string, a Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n", query)
	fmt.Fprintf(&b, "Intent: %s\n", a.Intent)
	if len(a.KeyConcepts) > 0 {
		fmt.Fprintf(&b, "Key concepts: %s\n", strings.Join(a.KeyConcepts, ", "))
	}
	if len(a.DocumentScope) > 0 {
		fmt.Fprintf(&b, "Document types: %s\n", strings.Join(a.DocumentScope, ", "))
	}
	if t := a.TemporalAspects; t.ValidFrom != "" || t.ValidTo != "" {
		fmt.Fprintf(&b, "Valid between: %s and %s\n", orAny(t.ValidFrom), orAny(t.ValidTo))
	}
	if len(a.RelationshipPatterns) > 0 {
		fmt.Fprintf(&b, "Relationships: %s\n", strings.Join(a.RelationshipPatterns, ", "))
	}
	b.WriteString("\nAdd contextual parameters, document type constraints, temporal considerations and relationship patterns.")
	return b.String()
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}
