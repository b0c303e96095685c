package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tenderflow/pkg/cache"
	"github.com/randalmurphal/tenderflow/pkg/config"
	"github.com/randalmurphal/tenderflow/pkg/faults"
	"github.com/randalmurphal/tenderflow/pkg/graphdb"
	"github.com/randalmurphal/tenderflow/pkg/llm"
	"github.com/randalmurphal/tenderflow/pkg/retrieval"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph/checkpoint"
	"github.com/randalmurphal/tenderflow/pkg/stagegraph/observability"
)

// loadSettings resolves settings for cmd. An --env-file given explicitly
// must exist.
func loadSettings(cmd *cobra.Command, g *globalFlags) (config.Settings, error) {
	s, err := config.LoadSettings(config.LoadOptions{
		File:            g.configFile,
		EnvFile:         g.envFile,
		EnvFileRequired: cmd.Flags().Changed("env-file"),
	})
	if err != nil {
		return config.Settings{}, err
	}
	if g.logLevel != "" {
		s.LogLevel = strings.ToUpper(g.logLevel)
		if err := s.Validate(); err != nil {
			return config.Settings{}, err
		}
	}
	return s, nil
}

// newLogger builds the process logger. Logs go to w so that results on
// stdout stay machine-readable.
func newLogger(w io.Writer, s config.Settings) *slog.Logger {
	opts := &slog.HandlerOptions{Level: s.SlogLevel()}
	var handler slog.Handler
	if strings.EqualFold(s.LogFormat, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func newNeo4jDriver(s config.Settings) (*graphdb.Neo4jDriver, error) {
	return graphdb.NewNeo4jDriver(graphdb.Neo4jConfig{
		URI:      s.Neo4jURI,
		Username: s.Neo4jUsername,
		Password: s.Neo4jPassword,
		Database: s.Neo4jDatabase,
	})
}

// newLanguageModels picks the analyzer and refiner. OpenAI analyzes when
// configured; Anthropic refines when configured. A single backend serves
// both roles. The pipeline retries failed calls with backoff, so each
// client makes a single attempt.
func newLanguageModels(s config.Settings, logger *slog.Logger) (llm.Analyzer, llm.Refiner, error) {
	var openai, anthropic *llm.Client
	opts := []llm.Option{llm.WithLogger(logger), llm.WithAttempts(1)}
	if s.OpenAIAPIKey != "" {
		c, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  s.OpenAIAPIKey,
			Model:   s.OpenAIModel,
			BaseURL: s.OpenAIBaseURL,
		}, opts...)
		if err != nil {
			return nil, nil, err
		}
		openai = c
	}
	if s.AnthropicAPIKey != "" {
		c, err := llm.NewAnthropic(llm.AnthropicConfig{
			APIKey: s.AnthropicAPIKey,
			Model:  s.AnthropicModel,
		}, opts...)
		if err != nil {
			return nil, nil, err
		}
		anthropic = c
	}

	switch {
	case openai != nil && anthropic != nil:
		return openai, anthropic, nil
	case openai != nil:
		return openai, openai, nil
	case anthropic != nil:
		return anthropic, anthropic, nil
	}
	return nil, nil, faults.Invalid("openai_api_key", "an OpenAI or Anthropic API key is required")
}

// app holds the resources of one pipeline-running command.
type app struct {
	settings    config.Settings
	logger      *slog.Logger
	driver      *graphdb.Neo4jDriver
	pipeline    *retrieval.Pipeline
	cache       *cache.Store
	checkpoints *checkpoint.SQLiteStore
}

func openApp(cmd *cobra.Command, g *globalFlags) (*app, error) {
	s, err := loadSettings(cmd, g)
	if err != nil {
		return nil, err
	}
	a := &app{settings: s, logger: newLogger(cmd.ErrOrStderr(), s)}
	a.logger.Debug("settings loaded", "settings", fmt.Sprintf("%+v", s.Redacted()))

	ok := false
	defer func() {
		if !ok {
			_ = a.close(context.Background())
		}
	}()

	analyzer, refiner, err := newLanguageModels(s, a.logger)
	if err != nil {
		return nil, err
	}
	if a.driver, err = newNeo4jDriver(s); err != nil {
		return nil, err
	}

	opts := []retrieval.Option{
		retrieval.WithRefiner(refiner),
		retrieval.WithLogger(a.logger),
		retrieval.WithMetrics(observability.NewMetricsRecorder()),
		retrieval.WithTracing(observability.NewSpanManager()),
	}
	if s.CacheDir != "" {
		if a.cache, err = cache.Open(s.CacheDir, cache.WithTTL(s.CacheTTL), cache.WithLogger(a.logger)); err != nil {
			return nil, err
		}
		opts = append(opts, retrieval.WithCache(a.cache))
	}
	if s.CheckpointDB != "" {
		if a.checkpoints, err = checkpoint.NewSQLiteStore(cmd.Context(), s.CheckpointDB); err != nil {
			return nil, err
		}
		opts = append(opts, retrieval.WithCheckpoints(a.checkpoints))
	}

	if a.pipeline, err = retrieval.New(s, a.driver, analyzer, opts...); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// queryContext builds a QueryContext from the flags the user set; the
// rest fall back to the settings defaults.
func (a *app) queryContext(cmd *cobra.Command, f *contextFlags) (*retrieval.QueryContext, error) {
	opts := []retrieval.ContextOption{retrieval.WithDefaults(a.pipeline.Defaults())}
	opts = append(opts, f.options(cmd)...)
	return retrieval.NewQueryContext(opts...)
}

// close releases resources in reverse order of creation.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Close(ctx))
	}
	if a.driver != nil {
		errs = append(errs, a.driver.Close(ctx))
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.checkpoints != nil {
		errs = append(errs, a.checkpoints.Close())
	}
	return errors.Join(errs...)
}

// contextFlags are the QueryContext flags of query and batch.
type contextFlags struct {
	scope      []string
	threshold  float64
	maxResults int
	noMetadata bool
}

func (f *contextFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.scope, "scope", nil, "document types to search (repeatable or comma separated)")
	cmd.Flags().Float64Var(&f.threshold, "threshold", 0, "minimum relevance score in [0,1]")
	cmd.Flags().IntVar(&f.maxResults, "max", 0, "maximum number of results")
	cmd.Flags().BoolVar(&f.noMetadata, "no-metadata", false, "omit document metadata")
}

func (f *contextFlags) options(cmd *cobra.Command) []retrieval.ContextOption {
	var opts []retrieval.ContextOption
	flags := cmd.Flags()
	if flags.Changed("scope") {
		opts = append(opts, retrieval.WithScope(f.scope...))
	}
	if flags.Changed("threshold") {
		opts = append(opts, retrieval.WithThreshold(f.threshold))
	}
	if flags.Changed("max") {
		opts = append(opts, retrieval.WithMaxResults(f.maxResults))
	}
	if flags.Changed("no-metadata") {
		opts = append(opts, retrieval.WithIncludeMetadata(!f.noMetadata))
	}
	return opts
}
