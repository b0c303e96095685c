package llm

import (
	"context"
	"strings"
	"sync"
)

// MockClient is a scriptable Analyzer and Refiner for tests.
type MockClient struct {
	mu         sync.Mutex
	analyses   []Analysis
	refined    []string
	err        error
	refineErr  error
	analyzeIdx int
	refineIdx  int
	calls      []string

	// AnalyzeFunc overrides the scripted analyses when set.
	AnalyzeFunc func(ctx context.Context, query string) (Analysis, error)
	// RefineFunc overrides the scripted rewrites when set.
	RefineFunc func(ctx context.Context, query string, a Analysis) (string, error)
}

// NewMockClient returns a mock that answers every Analyze with a.
// With no analyses, each query word becomes a key concept.
func NewMockClient(a ...Analysis) *MockClient {
	return &MockClient{analyses: a}
}

// WithRefinements scripts Refine answers, cycling when exhausted.
func (m *MockClient) WithRefinements(texts ...string) *MockClient {
	m.refined = texts
	return m
}

// WithError makes Analyze fail with err.
func (m *MockClient) WithError(err error) *MockClient {
	m.err = err
	return m
}

// WithRefineError makes Refine fail with err.
func (m *MockClient) WithRefineError(err error) *MockClient {
	m.refineErr = err
	return m
}

// Analyze implements Analyzer.
func (m *MockClient) Analyze(ctx context.Context, query string) (Analysis, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "analyze:"+query)
	fn, err := m.AnalyzeFunc, m.err
	var a Analysis
	scripted := len(m.analyses) > 0
	if scripted {
		a = m.analyses[m.analyzeIdx%len(m.analyses)]
		m.analyzeIdx++
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, query)
	}
	if err != nil {
		return Analysis{}, err
	}
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	if !scripted {
		a = Analysis{Intent: query, KeyConcepts: strings.Fields(strings.ToLower(query))}
	}
	return a, nil
}

// Refine implements Refiner. Without scripted answers it returns query.
func (m *MockClient) Refine(ctx context.Context, query string, a Analysis) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "refine:"+query)
	fn, err := m.RefineFunc, m.refineErr
	text := query
	if len(m.refined) > 0 {
		text = m.refined[m.refineIdx%len(m.refined)]
		m.refineIdx++
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, query, a)
	}
	if err != nil {
		return "", err
	}
	return text, ctx.Err()
}

// Calls returns the recorded calls as "analyze:<query>" or "refine:<query>".
func (m *MockClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of recorded calls.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears recorded calls and scripted positions.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.analyzeIdx = 0
	m.refineIdx = 0
}
