// Package config provides configuration management for Recall.
// It loads settings from environment variables with the RECALL_ prefix,
// optionally overlaid by a YAML file, and provides sensible defaults for
// every option. All ranking weights, TTLs, and debounce durations are
// tunable policy and live here rather than being hard-coded.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Recall service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Security  SecurityConfig  `yaml:"security"`
	Cache     CacheConfig     `yaml:"cache"`
	Queue     QueueConfig     `yaml:"queue"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // Server port (default: 7070)
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // Storage engine: sqlite, postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Path to data directory for sqlite (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Postgres connection string
}

// LLMConfig contains embedding/classifier provider configuration.
type LLMConfig struct {
	Provider       string        `yaml:"provider"`        // Provider: ollama, openai (default: ollama)
	OllamaURL      string        `yaml:"ollama_url"`      // Ollama API URL (default: http://localhost:11434)
	OllamaModel    string        `yaml:"ollama_model"`    // Ollama model for classification (default: qwen2.5:7b)
	EmbeddingModel string        `yaml:"embedding_model"` // Embedding model name (default: nomic-embed-text)
	OpenAIAPIKey   string        `yaml:"openai_api_key"`  // OpenAI API key
	OpenAIModel    string        `yaml:"openai_model"`    // OpenAI chat model (default: gpt-4o-mini)
	EmbedTimeout   time.Duration `yaml:"embed_timeout"`   // Per-call embedding timeout (default: 5s)
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	Mode     string `yaml:"mode"`      // Security mode: development, production (default: development)
	APIToken string `yaml:"api_token"` // Bearer token required in production mode
}

// CacheConfig contains cache capacities, TTLs, and the invalidation
// debounce quiet period.
type CacheConfig struct {
	EmbeddingCapacity  int           `yaml:"embedding_capacity"`  // Embedding cache entries (default: 2048)
	EmbeddingTTL       time.Duration `yaml:"embedding_ttl"`       // Embedding cache TTL (default: 24h)
	SimilarityCapacity int           `yaml:"similarity_capacity"` // Similarity cache entries (default: 8192)
	SimilarityTTL      time.Duration `yaml:"similarity_ttl"`      // Similarity cache TTL (default: 1h)
	SnapshotTTL        time.Duration `yaml:"snapshot_ttl"`        // Per-user snapshot TTL (default: 30m)
	DebounceQuiet      time.Duration `yaml:"debounce_quiet"`      // Invalidation quiet period (default: 3s)
}

// QueueConfig contains background task queue settings.
type QueueConfig struct {
	Depth         int           `yaml:"depth"`          // Maximum queued tasks (default: 1000)
	Workers       int           `yaml:"workers"`        // Concurrent task workers (default: 4)
	DrainInterval time.Duration `yaml:"drain_interval"` // Drain tick (default: 1s)
	ShutdownWait  time.Duration `yaml:"shutdown_wait"`  // Max wait for workers on shutdown (default: 30s)
}

// RetrievalConfig contains ranking weights and limits for contextual
// retrieval. Weights are relative; the engine normalizes them, and drops
// the similarity weight entirely when running degraded.
type RetrievalConfig struct {
	SimilarityWeight float64 `yaml:"similarity_weight"` // Weight of semantic similarity (default: 0.5)
	ImportanceWeight float64 `yaml:"importance_weight"` // Weight of stored importance (default: 0.3)
	RecencyWeight    float64 `yaml:"recency_weight"`    // Weight of recency/frequency (default: 0.2)
	DefaultLimit     int     `yaml:"default_limit"`     // Result limit when caller passes <= 0 (default: 5)
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. If RECALL_CONFIG points at a YAML file (or configPath is
// non-empty), values from the file override the environment.
func LoadConfig(configPath string) (*Config, error) {
	cfg := buildBaseConfig()

	if configPath == "" {
		configPath = os.Getenv("RECALL_CONFIG")
	}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", configPath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Queue.Depth < 1 {
		return fmt.Errorf("config: queue depth must be >= 1, got %d", c.Queue.Depth)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("config: queue workers must be >= 1, got %d", c.Queue.Workers)
	}
	if c.Queue.DrainInterval <= 0 {
		return fmt.Errorf("config: drain interval must be positive, got %v", c.Queue.DrainInterval)
	}
	if c.Cache.DebounceQuiet <= 0 {
		return fmt.Errorf("config: debounce quiet period must be positive, got %v", c.Cache.DebounceQuiet)
	}

	w := c.Retrieval
	if w.SimilarityWeight < 0 || w.ImportanceWeight < 0 || w.RecencyWeight < 0 {
		return fmt.Errorf("config: retrieval weights must be >= 0")
	}
	if w.ImportanceWeight+w.RecencyWeight == 0 {
		// Degraded mode ranks on importance + recency alone; at least one
		// of the two must carry weight or degraded ordering is undefined.
		return fmt.Errorf("config: importance and recency weights cannot both be zero")
	}

	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}

	return nil
}

// buildBaseConfig constructs a Config from environment variables and defaults.
func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("RECALL_PORT", 7070),
			Host: getEnv("RECALL_HOST", "127.0.0.1"),
		},
		Storage: StorageConfig{
			Engine:      getEnv("RECALL_STORAGE_ENGINE", "sqlite"),
			DataPath:    getEnv("RECALL_DATA_PATH", "./data"),
			PostgresDSN: getEnv("RECALL_POSTGRES_DSN", ""),
		},
		LLM: LLMConfig{
			Provider:       getEnv("RECALL_LLM_PROVIDER", "ollama"),
			OllamaURL:      getEnv("RECALL_OLLAMA_URL", "http://localhost:11434"),
			OllamaModel:    getEnv("RECALL_OLLAMA_MODEL", "qwen2.5:7b"),
			EmbeddingModel: getEnv("RECALL_EMBEDDING_MODEL", "nomic-embed-text"),
			OpenAIAPIKey:   getEnv("RECALL_OPENAI_API_KEY", ""),
			OpenAIModel:    getEnv("RECALL_OPENAI_MODEL", "gpt-4o-mini"),
			EmbedTimeout:   getEnvDuration("RECALL_EMBED_TIMEOUT", 5*time.Second),
		},
		Security: SecurityConfig{
			Mode:     getEnv("RECALL_SECURITY_MODE", "development"),
			APIToken: getEnv("RECALL_API_TOKEN", ""),
		},
		Cache: CacheConfig{
			EmbeddingCapacity:  getEnvInt("RECALL_EMBEDDING_CACHE_CAPACITY", 2048),
			EmbeddingTTL:       getEnvDuration("RECALL_EMBEDDING_CACHE_TTL", 24*time.Hour),
			SimilarityCapacity: getEnvInt("RECALL_SIMILARITY_CACHE_CAPACITY", 8192),
			SimilarityTTL:      getEnvDuration("RECALL_SIMILARITY_CACHE_TTL", time.Hour),
			SnapshotTTL:        getEnvDuration("RECALL_SNAPSHOT_TTL", 30*time.Minute),
			DebounceQuiet:      getEnvDuration("RECALL_DEBOUNCE_QUIET", 3*time.Second),
		},
		Queue: QueueConfig{
			Depth:         getEnvInt("RECALL_QUEUE_DEPTH", 1000),
			Workers:       getEnvInt("RECALL_QUEUE_WORKERS", 4),
			DrainInterval: getEnvDuration("RECALL_QUEUE_DRAIN_INTERVAL", time.Second),
			ShutdownWait:  getEnvDuration("RECALL_QUEUE_SHUTDOWN_WAIT", 30*time.Second),
		},
		Retrieval: RetrievalConfig{
			SimilarityWeight: getEnvFloat("RECALL_WEIGHT_SIMILARITY", 0.5),
			ImportanceWeight: getEnvFloat("RECALL_WEIGHT_IMPORTANCE", 0.3),
			RecencyWeight:    getEnvFloat("RECALL_WEIGHT_RECENCY", 0.2),
			DefaultLimit:     getEnvInt("RECALL_RETRIEVAL_LIMIT", 5),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "30s") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
