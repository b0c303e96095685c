package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/randalmurphal/tenderflow/pkg/faults"
)

// Sentinel errors for unusable model output.
var (
	ErrNoChoices     = errors.New("model returned no choices")
	ErrEmptyResponse = errors.New("model returned an empty response")
)

// DefaultAttempts is how many times a call is made before giving up.
const DefaultAttempts = 3

// Client implements Analyzer and Refiner over a langchaingo model.
type Client struct {
	model       llms.Model
	attempts    int
	temperature float64
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAttempts bounds the calls made per Analyze or Refine.
// Values below 1 are treated as 1.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		c.attempts = n
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New wraps model.
func New(model llms.Model, opts ...Option) *Client {
	c := &Client{
		model:    model,
		attempts: DefaultAttempts,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "llm")
	return c
}

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey string
	Model  string
	// BaseURL targets a compatible server. Empty uses the public API.
	BaseURL string
}

// NewOpenAI creates a Client backed by an OpenAI-compatible chat API.
func NewOpenAI(cfg OpenAIConfig, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, faults.Invalid("openai_api_key", "required")
	}
	modelOpts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.Model != "" {
		modelOpts = append(modelOpts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		modelOpts = append(modelOpts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(modelOpts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return New(model, opts...), nil
}

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey string
	Model  string
}

// NewAnthropic creates a Client backed by the Anthropic messages API.
func NewAnthropic(cfg AnthropicConfig, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, faults.Invalid("anthropic_api_key", "required")
	}
	modelOpts := []anthropic.Option{anthropic.WithToken(cfg.APIKey)}
	if cfg.Model != "" {
		modelOpts = append(modelOpts, anthropic.WithModel(cfg.Model))
	}
	model, err := anthropic.New(modelOpts...)
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return New(model, opts...), nil
}

// Analyze asks the model for a JSON analysis of query. Malformed output
// and call failures are retried up to the attempt bound; the final
// failure is a *faults.CapabilityError.
func (c *Client) Analyze(ctx context.Context, query string) (Analysis, error) {
	content := messages(analysisSystemPrompt, analysisPrompt(query))

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		text, err := c.generate(ctx, content, llms.WithJSONMode())
		if err != nil {
			if ctx.Err() != nil {
				return Analysis{}, faults.Capability("analyzer", err)
			}
			lastErr = err
			c.logger.Warn("analysis call failed", "attempt", attempt, "error", err)
			continue
		}

		a, err := decodeAnalysis(text)
		if err != nil {
			lastErr = err
			c.logger.Warn("error parsing analysis response",
				"attempt", attempt,
				"response", text,
				"error", err)
			continue
		}
		c.logger.Debug("query analyzed",
			"attempt", attempt,
			"intent", a.Intent,
			"concepts", len(a.KeyConcepts))
		return a, nil
	}

	c.logger.Error("analysis failed after retries", "attempts", c.attempts, "error", lastErr)
	return Analysis{}, faults.Capability("analyzer", lastErr)
}

// Refine asks the model to rewrite query with a as context.
func (c *Client) Refine(ctx context.Context, query string, a Analysis) (string, error) {
	content := messages(refineSystemPrompt, refinePrompt(query, a))

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		text, err := c.generate(ctx, content)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", faults.Capability("refiner", err)
		}
		lastErr = err
		c.logger.Warn("refine call failed", "attempt", attempt, "error", err)
	}
	return "", faults.Capability("refiner", lastErr)
}

func (c *Client) generate(ctx context.Context, content []llms.MessageContent, opts ...llms.CallOption) (string, error) {
	opts = append(opts, llms.WithTemperature(c.temperature))
	resp, err := c.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func messages(system, human string) []llms.MessageContent {
	return []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(human)},
		},
	}
}

// decodeAnalysis parses model output into a validated Analysis.
// Temporal aspects default to current when the model omits them.
func decodeAnalysis(text string) (Analysis, error) {
	raw := repairJSON(stripFences(text))
	a := Analysis{TemporalAspects: TemporalAspects{IsCurrent: true}}
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Analysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	// Bad dates are the model's fault, not the caller's.
	if err := a.Validate(); err != nil {
		return Analysis{}, fmt.Errorf("analysis rejected: %s", err.Error())
	}
	return a, nil
}
