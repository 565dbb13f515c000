// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/sentinel/internal/scoring"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // cycle lock backend (optional, in-process lock if not set)

	// Ledger
	RPCURL            string
	ChainID           int64
	PrivateKey        string // Hex-encoded, with or without 0x prefix
	ThreatLogContract string
	LedgerTimeout     time.Duration
	AttackType        string

	// Similarity oracle
	EmbeddingProvider string // "http" or "genai"
	EmbeddingURL      string
	EmbeddingModel    string
	GenAIAPIKey       string
	OracleTimeout     time.Duration

	// Cycle
	CycleInterval     time.Duration
	ShortWindow       time.Duration
	ActiveLookback    time.Duration
	WorkerConcurrency int
	Scoring           scoring.Params

	AdminSecret  string
	OTLPEndpoint string
}

// ConfigError reports an invalid or missing setting.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Key, e.Reason)
}

const (
	DefaultRPCURL            = "http://127.0.0.1:8545"
	DefaultChainID           = 1337 // local Ganache/Anvil network
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultLedgerTimeout     = 60 * time.Second
	DefaultOracleTimeout     = 30 * time.Second
	DefaultCycleInterval     = 60 * time.Second
	DefaultShortWindow       = 5 * time.Minute
	DefaultActiveLookback    = 24 * time.Hour
	DefaultWorkerConcurrency = 8
	DefaultEmbeddingProvider = "http"
	DefaultEmbeddingModel    = "all-MiniLM-L6-v2"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		PrivateKey:        os.Getenv("PRIVATE_KEY"),
		ThreatLogContract: os.Getenv("THREAT_LOG_CONTRACT"),
		AttackType:        os.Getenv("ATTACK_TYPE"),
		EmbeddingProvider: strings.ToLower(getEnv("EMBEDDING_PROVIDER", DefaultEmbeddingProvider)),
		EmbeddingURL:      os.Getenv("EMBEDDING_URL"),
		EmbeddingModel:    os.Getenv("EMBEDDING_MODEL"),
		GenAIAPIKey:       os.Getenv("GENAI_API_KEY"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// genai picks its own default model
	if cfg.EmbeddingModel == "" && cfg.EmbeddingProvider == "http" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}

	// Typed values fail loudly: a mistyped threshold must not silently
	// fall back to the default.
	p := &parser{}
	cfg.ChainID = p.int64("CHAIN_ID", DefaultChainID)
	cfg.LedgerTimeout = p.duration("LEDGER_TIMEOUT", DefaultLedgerTimeout)
	cfg.OracleTimeout = p.duration("ORACLE_TIMEOUT", DefaultOracleTimeout)
	cfg.CycleInterval = p.duration("CYCLE_INTERVAL", DefaultCycleInterval)
	cfg.ShortWindow = p.duration("SHORT_WINDOW", DefaultShortWindow)
	cfg.ActiveLookback = p.duration("ACTIVE_LOOKBACK", DefaultActiveLookback)
	cfg.WorkerConcurrency = int(p.int64("WORKER_CONCURRENCY", DefaultWorkerConcurrency))
	cfg.Scoring = scoring.Params{
		Threshold:           p.float("ESCALATION_THRESHOLD", scoring.DefaultThreshold),
		DecayFactor:         p.float("DECAY_FACTOR", scoring.DefaultDecayFactor),
		VelocityWeight:      p.float("VELOCITY_WEIGHT", scoring.DefaultVelocityWeight),
		SimilarityWeight:    p.float("SIMILARITY_WEIGHT", scoring.DefaultSimilarityWeight),
		VelocitySaturation:  int(p.int64("VELOCITY_SATURATION", scoring.DefaultVelocitySaturation)),
		MinSimilaritySample: int(p.int64("MIN_SIMILARITY_SAMPLE", scoring.DefaultMinSimilaritySample)),
	}
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return &ConfigError{Key: "PRIVATE_KEY", Reason: "is required"}
	}
	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 {
		return &ConfigError{Key: "PRIVATE_KEY", Reason: "must be 64 hex characters (with or without 0x prefix)"}
	}
	if c.RPCURL == "" {
		return &ConfigError{Key: "RPC_URL", Reason: "is required"}
	}
	if c.ThreatLogContract == "" {
		return &ConfigError{Key: "THREAT_LOG_CONTRACT", Reason: "is required"}
	}

	switch c.EmbeddingProvider {
	case "http":
		if c.EmbeddingURL == "" {
			return &ConfigError{Key: "EMBEDDING_URL", Reason: "is required when EMBEDDING_PROVIDER=http"}
		}
	case "genai":
		if c.GenAIAPIKey == "" {
			return &ConfigError{Key: "GENAI_API_KEY", Reason: "is required when EMBEDDING_PROVIDER=genai"}
		}
	default:
		return &ConfigError{Key: "EMBEDDING_PROVIDER", Reason: fmt.Sprintf("must be http or genai, got %q", c.EmbeddingProvider)}
	}

	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"LEDGER_TIMEOUT", c.LedgerTimeout},
		{"ORACLE_TIMEOUT", c.OracleTimeout},
		{"CYCLE_INTERVAL", c.CycleInterval},
		{"SHORT_WINDOW", c.ShortWindow},
		{"ACTIVE_LOOKBACK", c.ActiveLookback},
	} {
		if d.val <= 0 {
			return &ConfigError{Key: d.key, Reason: "must be positive"}
		}
	}
	if c.ActiveLookback < c.ShortWindow {
		return &ConfigError{Key: "ACTIVE_LOOKBACK", Reason: "must be at least SHORT_WINDOW"}
	}
	if c.WorkerConcurrency < 1 {
		return &ConfigError{Key: "WORKER_CONCURRENCY", Reason: "must be at least 1"}
	}
	if err := c.Scoring.Validate(); err != nil {
		return &ConfigError{Key: "scoring", Reason: err.Error()}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects the first malformed typed value.
type parser struct {
	err error
}

func (p *parser) fail(key, value, kind string) {
	if p.err == nil {
		p.err = &ConfigError{Key: key, Reason: fmt.Sprintf("must be a %s, got %q", kind, value)}
	}
}

func (p *parser) int64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.fail(key, value, "integer")
		return defaultValue
	}
	return i
}

func (p *parser) float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(key, value, "number")
		return defaultValue
	}
	return f
}

// duration accepts Go duration strings ("90s") or bare seconds ("90").
func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	p.fail(key, value, "duration")
	return defaultValue
}
