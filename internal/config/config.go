// Package config loads and validates the subsystem configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the memory subsystem.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	LLM        LLMConfig        `yaml:"llm"`
	Memory     MemoryConfig     `yaml:"memory"`
	Graph      GraphConfig      `yaml:"graph"`
	Assembler  AssemblerConfig  `yaml:"assembler"`
	Actions    ActionsConfig    `yaml:"actions"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// StorageConfig configures the SQLite vector store.
type StorageConfig struct {
	Path string `yaml:"path"` // Database file path; empty means in-memory
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider string        `yaml:"provider"` // openai
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LLMConfig configures the completion client used for extraction, action
// parsing and relationship descriptions.
type LLMConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// MemoryConfig configures extraction and search behavior.
type MemoryConfig struct {
	// MinMessages is the number of unprocessed messages a conversation must
	// accumulate before extraction runs.
	MinMessages int `yaml:"min_messages"`

	// MaxContentLength truncates entity text before embedding.
	MaxContentLength int `yaml:"max_content_length"`

	// SearchLimit is the default result limit for search.
	SearchLimit int `yaml:"search_limit"`

	// SearchThreshold is the minimum similarity for search hits.
	SearchThreshold float32 `yaml:"search_threshold"`

	// QueryCacheSize bounds the LRU cache of query embeddings.
	QueryCacheSize int `yaml:"query_cache_size"`
}

// GraphConfig configures the relationship graph engine.
type GraphConfig struct {
	// SimilarityFloor is the minimum score for creating an edge.
	// Empirically chosen; treat as tunable rather than optimal.
	SimilarityFloor float32 `yaml:"similarity_floor"`

	// ScanLimit bounds how many neighbors one trigger may link.
	ScanLimit int `yaml:"scan_limit"`

	// Describer controls background description generation.
	Describer DescriberConfig `yaml:"describer"`
}

// DescriberConfig controls the background edge-description worker.
type DescriberConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Schedule    string        `yaml:"schedule"` // Cron expression
	BatchSize   int           `yaml:"batch_size"`
	Lease       time.Duration `yaml:"lease"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// AssemblerConfig configures context assembly.
type AssemblerConfig struct {
	// DefaultCeiling is the token ceiling used when the caller supplies none.
	DefaultCeiling int `yaml:"default_ceiling"`

	// MaxItems bounds how many items are considered per source.
	MaxItems int `yaml:"max_items"`

	// RecencyWeight blends recency into the similarity ranking (0..1).
	RecencyWeight float32 `yaml:"recency_weight"`
}

// ActionsConfig configures the action cache.
type ActionsConfig struct {
	// SimilarityThreshold gates cache reuse. Below it, commands fall through
	// to a fresh interpretation.
	SimilarityThreshold float32 `yaml:"similarity_threshold"`

	// Retention prunes entries unused longer than this window.
	Retention time.Duration `yaml:"retention"`

	// SweepSchedule is the cron expression for the retention sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, expanding ${ENV} references, and applies
// defaults and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8087"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "openai"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-3-small"
	}
	if c.Embeddings.Timeout == 0 {
		c.Embeddings.Timeout = 15 * time.Second
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 45 * time.Second
	}
	if c.Memory.MinMessages == 0 {
		c.Memory.MinMessages = 4
	}
	if c.Memory.MaxContentLength == 0 {
		c.Memory.MaxContentLength = 2000
	}
	if c.Memory.SearchLimit == 0 {
		c.Memory.SearchLimit = 10
	}
	if c.Memory.SearchThreshold == 0 {
		c.Memory.SearchThreshold = 0.3
	}
	if c.Memory.QueryCacheSize == 0 {
		c.Memory.QueryCacheSize = 1000
	}
	if c.Graph.SimilarityFloor == 0 {
		c.Graph.SimilarityFloor = 0.6
	}
	if c.Graph.ScanLimit == 0 {
		c.Graph.ScanLimit = 20
	}
	if c.Graph.Describer.Schedule == "" {
		c.Graph.Describer.Schedule = "@every 1m"
	}
	if c.Graph.Describer.BatchSize == 0 {
		c.Graph.Describer.BatchSize = 10
	}
	if c.Graph.Describer.Lease == 0 {
		c.Graph.Describer.Lease = 2 * time.Minute
	}
	if c.Graph.Describer.MaxAttempts == 0 {
		c.Graph.Describer.MaxAttempts = 3
	}
	if c.Assembler.DefaultCeiling == 0 {
		c.Assembler.DefaultCeiling = 2000
	}
	if c.Assembler.MaxItems == 0 {
		c.Assembler.MaxItems = 20
	}
	if c.Assembler.RecencyWeight == 0 {
		c.Assembler.RecencyWeight = 0.2
	}
	if c.Actions.SimilarityThreshold == 0 {
		c.Actions.SimilarityThreshold = 0.85
	}
	if c.Actions.Retention == 0 {
		c.Actions.Retention = 90 * 24 * time.Hour
	}
	if c.Actions.SweepSchedule == "" {
		c.Actions.SweepSchedule = "@daily"
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Graph.SimilarityFloor < 0 || c.Graph.SimilarityFloor > 1 {
		return fmt.Errorf("graph.similarity_floor must be in [0,1], got %v", c.Graph.SimilarityFloor)
	}
	if c.Actions.SimilarityThreshold < 0 || c.Actions.SimilarityThreshold > 1 {
		return fmt.Errorf("actions.similarity_threshold must be in [0,1], got %v", c.Actions.SimilarityThreshold)
	}
	if c.Memory.SearchThreshold < 0 || c.Memory.SearchThreshold > 1 {
		return fmt.Errorf("memory.search_threshold must be in [0,1], got %v", c.Memory.SearchThreshold)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	if c.Memory.MinMessages < 1 {
		return fmt.Errorf("memory.min_messages must be positive")
	}
	return nil
}
