package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/randalmurphal/tenderflow/pkg/faults"
)

// Environment keys read by LoadSettings. Files use the same names,
// lower-cased or nested by prefix.
const (
	KeyNeo4jURI                  = "NEO4J_URI"
	KeyNeo4jUsername             = "NEO4J_USERNAME"
	KeyNeo4jPassword             = "NEO4J_PASSWORD"
	KeyNeo4jDatabase             = "NEO4J_DATABASE"
	KeyOpenAIAPIKey              = "OPENAI_API_KEY"
	KeyOpenAIModel               = "OPENAI_MODEL"
	KeyOpenAIBaseURL             = "OPENAI_BASE_URL"
	KeyAnthropicAPIKey           = "ANTHROPIC_API_KEY"
	KeyAnthropicModel            = "ANTHROPIC_MODEL"
	KeyMaxRetries                = "MAX_RETRIES"
	KeyRetryDelay                = "RETRY_DELAY"
	KeyPoolCapacity              = "POOL_CAPACITY"
	KeyPoolAcquireTimeout        = "POOL_ACQUIRE_TIMEOUT"
	KeyDefaultSearchScope        = "DEFAULT_SEARCH_SCOPE"
	KeyDefaultRelevanceThreshold = "DEFAULT_RELEVANCE_THRESHOLD"
	KeyDefaultMaxResults         = "DEFAULT_MAX_RESULTS"
	KeyDefaultIncludeMetadata    = "DEFAULT_INCLUDE_METADATA"
	KeyLogLevel                  = "LOG_LEVEL"
	KeyLogFormat                 = "LOG_FORMAT"
	KeyCacheDir                  = "CACHE_DIR"
	KeyCacheTTL                  = "CACHE_TTL"
	KeyCheckpointDB              = "CHECKPOINT_DB"
	KeyBatchWorkers              = "BATCH_WORKERS"
)

var settingKeys = []string{
	KeyNeo4jURI, KeyNeo4jUsername, KeyNeo4jPassword, KeyNeo4jDatabase,
	KeyOpenAIAPIKey, KeyOpenAIModel, KeyOpenAIBaseURL,
	KeyAnthropicAPIKey, KeyAnthropicModel,
	KeyMaxRetries, KeyRetryDelay, KeyPoolCapacity, KeyPoolAcquireTimeout,
	KeyDefaultSearchScope, KeyDefaultRelevanceThreshold,
	KeyDefaultMaxResults, KeyDefaultIncludeMetadata,
	KeyLogLevel, KeyLogFormat, KeyCacheDir, KeyCacheTTL, KeyCheckpointDB,
	KeyBatchWorkers,
}

// Settings is the resolved configuration of a tenderflow process.
type Settings struct {
	Neo4jURI      string
	Neo4jUsername string
	Neo4jPassword string
	Neo4jDatabase string

	OpenAIAPIKey    string
	OpenAIModel     string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	AnthropicModel  string

	MaxRetries         int
	RetryDelay         time.Duration
	PoolCapacity       int
	PoolAcquireTimeout time.Duration

	DefaultSearchScope        []string
	DefaultRelevanceThreshold float64
	DefaultMaxResults         int
	DefaultIncludeMetadata    bool

	LogLevel  string
	LogFormat string

	// CacheDir enables the result cache when set.
	CacheDir string
	CacheTTL time.Duration
	// CheckpointDB enables SQLite stage checkpoints when set.
	CheckpointDB string
	BatchWorkers int
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		Neo4jDatabase:             "neo4j",
		OpenAIModel:               "gpt-4o",
		AnthropicModel:            "claude-3-5-sonnet-latest",
		MaxRetries:                3,
		RetryDelay:                time.Second,
		PoolCapacity:              10,
		PoolAcquireTimeout:        30 * time.Second,
		DefaultSearchScope:        []string{"Technical", "Requirements"},
		DefaultRelevanceThreshold: 0.7,
		DefaultMaxResults:         100,
		DefaultIncludeMetadata:    true,
		LogLevel:                  "INFO",
		LogFormat:                 "text",
		CacheTTL:                  time.Hour,
		BatchWorkers:              4,
	}
}

// LoadOptions selects the optional sources of LoadSettings.
type LoadOptions struct {
	// File is a YAML, JSON or .env file. Empty skips it.
	File string
	// EnvFile is a dotenv file. Empty skips it; a missing file is ignored
	// unless EnvFileRequired is set.
	EnvFile string
	// EnvFileRequired fails loading when EnvFile does not exist.
	EnvFileRequired bool
	// SkipEnviron ignores the process environment, mainly for tests.
	SkipEnviron bool
}

// LoadSettings layers defaults, then File, then EnvFile, then the
// process environment, and validates the result.
func LoadSettings(opts LoadOptions) (Settings, error) {
	merged := New(nil)

	if opts.File != "" {
		fileCfg, err := FromFile(opts.File)
		if err != nil {
			return Settings{}, err
		}
		merged = merged.Merge(fileCfg)
	}

	if opts.EnvFile != "" {
		envCfg, err := FromEnvFile(opts.EnvFile)
		switch {
		case err == nil:
			merged = merged.Merge(envCfg)
		case opts.EnvFileRequired || !isNotExist(err):
			return Settings{}, err
		}
	}

	if !opts.SkipEnviron {
		merged = merged.Merge(FromEnviron(settingKeys))
	}

	s := FromConfig(merged)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// FromConfig reads Settings from cfg, falling back to DefaultSettings.
func FromConfig(cfg Config) Settings {
	d := DefaultSettings()
	return Settings{
		Neo4jURI:      cfg.String(KeyNeo4jURI, d.Neo4jURI),
		Neo4jUsername: cfg.String(KeyNeo4jUsername, d.Neo4jUsername),
		Neo4jPassword: cfg.String(KeyNeo4jPassword, d.Neo4jPassword),
		Neo4jDatabase: cfg.String(KeyNeo4jDatabase, d.Neo4jDatabase),

		OpenAIAPIKey:    cfg.String(KeyOpenAIAPIKey, d.OpenAIAPIKey),
		OpenAIModel:     cfg.String(KeyOpenAIModel, d.OpenAIModel),
		OpenAIBaseURL:   cfg.String(KeyOpenAIBaseURL, d.OpenAIBaseURL),
		AnthropicAPIKey: cfg.String(KeyAnthropicAPIKey, d.AnthropicAPIKey),
		AnthropicModel:  cfg.String(KeyAnthropicModel, d.AnthropicModel),

		MaxRetries:         cfg.Int(KeyMaxRetries, d.MaxRetries),
		RetryDelay:         cfg.Duration(KeyRetryDelay, d.RetryDelay),
		PoolCapacity:       cfg.Int(KeyPoolCapacity, d.PoolCapacity),
		PoolAcquireTimeout: cfg.Duration(KeyPoolAcquireTimeout, d.PoolAcquireTimeout),

		DefaultSearchScope:        cfg.StringSlice(KeyDefaultSearchScope, d.DefaultSearchScope),
		DefaultRelevanceThreshold: cfg.Float(KeyDefaultRelevanceThreshold, d.DefaultRelevanceThreshold),
		DefaultMaxResults:         cfg.Int(KeyDefaultMaxResults, d.DefaultMaxResults),
		DefaultIncludeMetadata:    cfg.Bool(KeyDefaultIncludeMetadata, d.DefaultIncludeMetadata),

		LogLevel:  strings.ToUpper(cfg.String(KeyLogLevel, d.LogLevel)),
		LogFormat: strings.ToLower(cfg.String(KeyLogFormat, d.LogFormat)),

		CacheDir:     cfg.String(KeyCacheDir, d.CacheDir),
		CacheTTL:     cfg.Duration(KeyCacheTTL, d.CacheTTL),
		CheckpointDB: cfg.String(KeyCheckpointDB, d.CheckpointDB),
		BatchWorkers: cfg.Int(KeyBatchWorkers, d.BatchWorkers),
	}
}

var logLevels = map[string]slog.Level{
	"DEBUG":   slog.LevelDebug,
	"INFO":    slog.LevelInfo,
	"WARN":    slog.LevelWarn,
	"WARNING": slog.LevelWarn,
	"ERROR":   slog.LevelError,
}

// Validate checks every bounded field. All violations are joined.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxRetries < 0 {
		errs = append(errs, faults.Invalid("max_retries", "must be >= 0, got %d", s.MaxRetries))
	}
	if s.RetryDelay <= 0 {
		errs = append(errs, faults.Invalid("retry_delay", "must be > 0, got %s", s.RetryDelay))
	}
	if s.PoolCapacity <= 0 {
		errs = append(errs, faults.Invalid("pool_capacity", "must be > 0, got %d", s.PoolCapacity))
	}
	if s.PoolAcquireTimeout <= 0 {
		errs = append(errs, faults.Invalid("pool_acquire_timeout", "must be > 0, got %s", s.PoolAcquireTimeout))
	}
	if math.IsNaN(s.DefaultRelevanceThreshold) || s.DefaultRelevanceThreshold < 0 || s.DefaultRelevanceThreshold > 1 {
		errs = append(errs, faults.Invalid("default_relevance_threshold", "must be in [0,1], got %g", s.DefaultRelevanceThreshold))
	}
	if s.DefaultMaxResults <= 0 {
		errs = append(errs, faults.Invalid("default_max_results", "must be > 0, got %d", s.DefaultMaxResults))
	}
	if slices.ContainsFunc(s.DefaultSearchScope, func(l string) bool { return strings.TrimSpace(l) == "" }) {
		errs = append(errs, faults.Invalid("default_search_scope", "contains an empty label"))
	}
	if _, ok := logLevels[s.LogLevel]; !ok {
		errs = append(errs, faults.Invalid("log_level", "unknown level %q", s.LogLevel))
	}
	if s.LogFormat != "text" && s.LogFormat != "json" {
		errs = append(errs, faults.Invalid("log_format", "must be text or json, got %q", s.LogFormat))
	}
	if s.CacheDir != "" && s.CacheTTL < 0 {
		errs = append(errs, faults.Invalid("cache_ttl", "must be >= 0, got %s", s.CacheTTL))
	}
	if s.BatchWorkers <= 0 {
		errs = append(errs, faults.Invalid("batch_workers", "must be > 0, got %d", s.BatchWorkers))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// SlogLevel returns LogLevel as a slog.Level, defaulting to info.
func (s Settings) SlogLevel() slog.Level {
	if l, ok := logLevels[strings.ToUpper(s.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}

// Redacted returns a copy safe to log.
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "****"
	}
	s.Neo4jPassword = mask(s.Neo4jPassword)
	s.OpenAIAPIKey = mask(s.OpenAIAPIKey)
	s.AnthropicAPIKey = mask(s.AnthropicAPIKey)
	return s
}
