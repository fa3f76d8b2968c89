// Package config loads and validates engine configuration from the
// environment. A .env file is loaded by main before this runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level engine configuration.
type Config struct {
	// HTTPPort for the API server.
	HTTPPort string

	// DatabaseURL is the Postgres DSN backing the saga state store.
	DatabaseURL string

	// BusURL is the NATS server URL.
	BusURL string

	// RegistryURL is the base URL of the tool registry service.
	RegistryURL string

	// LLMAPIKey authenticates against the LLM provider.
	LLMAPIKey string

	// LLMModel is the chat model identifier.
	LLMModel string

	// EmbeddingModel is the embedding model identifier.
	EmbeddingModel string

	// EmbeddingDimension is the fixed dimension of all embeddings.
	EmbeddingDimension int

	// MockLLM swaps the LLM client for a deterministic scripted client.
	MockLLM bool

	// VectorPersistPath enables file persistence for the embedded vector
	// store when non-empty.
	VectorPersistPath string

	Workers WorkerConfig
	Loop    LoopConfig
	Saga    SagaConfig
}

// WorkerConfig controls the per-topic stage worker pools.
type WorkerConfig struct {
	// WorkersPerStage is the number of concurrent consumers per bus topic.
	WorkersPerStage int

	// StageTimeout bounds a single stage's wall clock.
	StageTimeout time.Duration

	// RequeueDelay is the NAK delay applied when a stage cannot run because
	// no live tool endpoint exists.
	RequeueDelay time.Duration
}

// LoopConfig controls the LLM tool-calling loop.
type LoopConfig struct {
	// MaxIterations bounds the number of model turns in one loop invocation.
	MaxIterations int

	// LLMTimeout bounds a single model call.
	LLMTimeout time.Duration

	// ToolTimeout bounds a single tool HTTP call.
	ToolTimeout time.Duration

	// LoopTimeout bounds the aggregate wall clock of one loop invocation.
	LoopTimeout time.Duration
}

// SagaConfig controls saga lifecycle parameters.
type SagaConfig struct {
	// Deadline is the saga's end-to-end wall-clock budget.
	Deadline time.Duration

	// TerminalTTL is how long a terminal record stays readable.
	TerminalTTL time.Duration

	// RetryBudget is the number of stage-1 re-entries allowed for
	// self-correction. The contract fixes this at 1.
	RetryBudget int

	// SweepInterval is how often expired records are purged.
	SweepInterval time.Duration
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		HTTPPort:           "8080",
		BusURL:             "nats://localhost:4222",
		RegistryURL:        "http://localhost:8010",
		LLMModel:           "gpt-4o",
		EmbeddingModel:     "text-embedding-3-small",
		EmbeddingDimension: 768,
		Workers: WorkerConfig{
			WorkersPerStage: 2,
			StageTimeout:    180 * time.Second,
			RequeueDelay:    5 * time.Second,
		},
		Loop: LoopConfig{
			MaxIterations: 8,
			LLMTimeout:    60 * time.Second,
			ToolTimeout:   30 * time.Second,
			LoopTimeout:   150 * time.Second,
		},
		Saga: SagaConfig{
			Deadline:      5 * time.Minute,
			TerminalTTL:   time.Hour,
			RetryBudget:   1,
			SweepInterval: 30 * time.Second,
		},
	}
}

// LoadFromEnv returns the defaults overlaid with environment values.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseURL = getEnv("STATE_STORE_URL", os.Getenv("DATABASE_URL"))
	cfg.BusURL = getEnv("BUS_URL", cfg.BusURL)
	cfg.RegistryURL = getEnv("REGISTRY_URL", cfg.RegistryURL)
	cfg.LLMAPIKey = getEnv("LLM_API_KEY", os.Getenv("OPENAI_API_KEY"))
	cfg.LLMModel = getEnv("LLM_MODEL", cfg.LLMModel)
	cfg.EmbeddingModel = getEnv("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.VectorPersistPath = os.Getenv("VECTOR_PERSIST_PATH")
	cfg.MockLLM = parseBool(os.Getenv("MOCK_LLM"))

	if v := os.Getenv("EMBEDDING_DIMENSION"); v != "" {
		dim, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid EMBEDDING_DIMENSION %q: %w", v, err)
		}
		cfg.EmbeddingDimension = dim
	}
	if v := os.Getenv("WORKERS_PER_STAGE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKERS_PER_STAGE %q: %w", v, err)
		}
		cfg.Workers.WorkersPerStage = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks constraints that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if !c.MockLLM && c.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required unless MOCK_LLM is set")
	}
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop max iterations must be positive, got %d", c.Loop.MaxIterations)
	}
	if c.Saga.RetryBudget < 0 {
		return fmt.Errorf("saga retry budget must be non-negative, got %d", c.Saga.RetryBudget)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.EmbeddingDimension)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
