package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/randalmurphal/tenderflow/pkg/faults"
)

// fakeModel replays scripted responses as an llms.Model.
type fakeModel struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	opts      []llms.CallOptions
	prompts   [][]llms.MessageContent
}

func (f *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var co llms.CallOptions
	for _, o := range options {
		o(&co)
	}
	f.opts = append(f.opts, co)
	f.prompts = append(f.prompts, msgs)

	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if i >= len(f.responses) {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.responses[i]}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func testClient(m llms.Model) *Client {
	return New(m, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

const networkAnalysis = `{
  "query_intent": "Find network infrastructure requirements",
  "key_concepts": ["network", "infrastructure", "requirements"],
  "document_scope": ["Technical"],
  "temporal_aspects": {"valid_from": "2024-01-01", "valid_to": null, "is_current": true},
  "relationship_patterns": ["REFERENCES"],
  "compliance_checks": ["ISO 27001"]
}`

func TestClient_Analyze(t *testing.T) {
	m := &fakeModel{responses: []string{networkAnalysis}}
	c := testClient(m)

	a, err := c.Analyze(context.Background(), "network infrastructure requirements")
	require.NoError(t, err)

	assert.Equal(t, "Find network infrastructure requirements", a.Intent)
	assert.Equal(t, []string{"network", "infrastructure", "requirements"}, a.KeyConcepts)
	assert.Equal(t, []string{"Technical"}, a.DocumentScope)
	assert.Equal(t, "2024-01-01", a.TemporalAspects.ValidFrom)
	assert.Empty(t, a.TemporalAspects.ValidTo)
	assert.True(t, a.TemporalAspects.IsCurrent)
	assert.Equal(t, []string{"ISO 27001"}, a.ComplianceChecks)

	require.Len(t, m.opts, 1)
	assert.True(t, m.opts[0].JSONMode)
	assert.Equal(t, 0.0, m.opts[0].Temperature)

	require.Len(t, m.prompts[0], 2)
	assert.Equal(t, schema.ChatMessageTypeSystem, m.prompts[0][0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, m.prompts[0][1].Role)
}

func TestClient_AnalyzeRepairsOutput(t *testing.T) {
	fenced := "```json\n{query_intent\": \"x\", key_concepts\": [\"network\"]}\n```"
	c := testClient(&fakeModel{responses: []string{fenced}})

	a, err := c.Analyze(context.Background(), "network")
	require.NoError(t, err)
	assert.Equal(t, "x", a.Intent)
	assert.Equal(t, []string{"network"}, a.KeyConcepts)
	assert.True(t, a.TemporalAspects.IsCurrent, "omitted temporal aspects default to current")
}

func TestClient_AnalyzeRetriesMalformed(t *testing.T) {
	m := &fakeModel{responses: []string{"not json", `{"query_intent": "ok"}`}}
	c := testClient(m)

	a, err := c.Analyze(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "ok", a.Intent)
	assert.Equal(t, 2, m.calls)
}

func TestClient_AnalyzeGivesUp(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModel
	}{
		{"unparseable", &fakeModel{responses: []string{"a", "b", "c", "d"}}},
		{"no choices", &fakeModel{}},
		{"unreachable", &fakeModel{errs: []error{errors.New("dial"), errors.New("dial"), errors.New("dial")}}},
		{"bad date", &fakeModel{responses: []string{
			`{"temporal_aspects": {"valid_from": "01/02/2024"}}`,
			`{"temporal_aspects": {"valid_from": "01/02/2024"}}`,
			`{"temporal_aspects": {"valid_from": "01/02/2024"}}`,
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(tt.model)
			_, err := c.Analyze(context.Background(), "q")
			require.Error(t, err)
			assert.Equal(t, faults.CategoryCapability, faults.Categorize(err))
			assert.Equal(t, DefaultAttempts, tt.model.calls)
		})
	}
}

func TestClient_AnalyzeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &fakeModel{responses: []string{networkAnalysis}}

	_, err := testClient(m).Analyze(ctx, "q")
	assert.Equal(t, faults.CategoryCapability, faults.Categorize(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, m.calls)
}

func TestClient_WithAttempts(t *testing.T) {
	m := &fakeModel{}
	c := New(m, WithAttempts(0), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := c.Analyze(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNoChoices)
	assert.Equal(t, 1, m.calls)
}

func TestClient_Refine(t *testing.T) {
	m := &fakeModel{
		errs:      []error{errors.New("overloaded")},
		responses: []string{"", "  network infrastructure requirements in Technical documents  "},
	}
	c := New(m, WithTemperature(0.2), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	text, err := c.Refine(context.Background(), "network infrastructure requirements", Analysis{
		Intent:        "Find network infrastructure requirements",
		DocumentScope: []string{"Technical"},
	})
	require.NoError(t, err)
	assert.Equal(t, "network infrastructure requirements in Technical documents", text)
	assert.Equal(t, 2, m.calls)
	assert.False(t, m.opts[1].JSONMode)
	assert.Equal(t, 0.2, m.opts[1].Temperature)
}

func TestClient_RefineFails(t *testing.T) {
	m := &fakeModel{responses: []string{"", "", ""}}
	_, err := testClient(m).Refine(context.Background(), "q", Analysis{})

	var capErr *faults.CapabilityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "refiner", capErr.Capability)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestNewBackends_RequireKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	assert.Equal(t, faults.CategoryValidation, faults.Categorize(err))

	_, err = NewAnthropic(AnthropicConfig{})
	assert.Equal(t, faults.CategoryValidation, faults.Categorize(err))

	c, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o", BaseURL: "http://localhost:1"})
	require.NoError(t, err)
	assert.NotNil(t, c)

	c, err = NewAnthropic(AnthropicConfig{APIKey: "sk-ant-test", Model: "claude-3-5-sonnet-latest"})
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestTemporalAspects_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ta      TemporalAspects
		wantErr string
	}{
		{"empty", TemporalAspects{}, ""},
		{"range", TemporalAspects{ValidFrom: "2024-01-01", ValidTo: "2024-12-31"}, ""},
		{"bad from", TemporalAspects{ValidFrom: "2024-1-1"}, "valid_from"},
		{"bad to", TemporalAspects{ValidTo: "tomorrow"}, "valid_to"},
		{"reversed", TemporalAspects{ValidFrom: "2024-06-01", ValidTo: "2024-01-01"}, "before valid_from"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ta.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Equal(t, faults.CategoryValidation, faults.Categorize(err))
		})
	}
}

func TestAnalysis_Terms(t *testing.T) {
	a := Analysis{
		KeyConcepts: []string{"Network", " infrastructure ", "", "network"},
		Entities:    []string{"ACME Corp", "Infrastructure"},
	}
	assert.Equal(t, []string{"network", "infrastructure", "acme corp"}, a.Terms())
	assert.Nil(t, Analysis{}.Terms())
}

func TestRepairJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{`{a": 1}`, `{"a": 1}`},
		{`{"a": 1, b_c": 2}`, `{"a": 1, "b_c": 2}`},
		{"{\n  key\": true}", "{\n  \"key\": true}"},
		{`[1, 2]`, `[1, 2]`},
		{`{"a": [x, y]}`, `{"a": [x, y]}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, repairJSON(tt.in), tt.in)
	}
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, stripFences(`  {"a":1} `))
}

func TestMockClient(t *testing.T) {
	ctx := context.Background()

	m := NewMockClient()
	a, err := m.Analyze(ctx, "Network Requirements")
	require.NoError(t, err)
	assert.Equal(t, []string{"network", "requirements"}, a.KeyConcepts)

	text, err := m.Refine(ctx, "q", a)
	require.NoError(t, err)
	assert.Equal(t, "q", text)

	scripted := NewMockClient(Analysis{Intent: "one"}, Analysis{Intent: "two"}).WithRefinements("r1")
	a1, _ := scripted.Analyze(ctx, "x")
	a2, _ := scripted.Analyze(ctx, "x")
	a3, _ := scripted.Analyze(ctx, "x")
	assert.Equal(t, []string{"one", "two", "one"}, []string{a1.Intent, a2.Intent, a3.Intent})
	r, _ := scripted.Refine(ctx, "x", a1)
	assert.Equal(t, "r1", r)
	assert.Equal(t, 4, scripted.CallCount())
	assert.Equal(t, "refine:x", scripted.Calls()[3])

	boom := errors.New("boom")
	failing := NewMockClient().WithError(boom).WithRefineError(boom)
	_, err = failing.Analyze(ctx, "x")
	assert.ErrorIs(t, err, boom)
	_, err = failing.Refine(ctx, "x", Analysis{})
	assert.ErrorIs(t, err, boom)

	failing.Reset()
	assert.Zero(t, failing.CallCount())
}
