// Package config loads and resolves the memory engine configuration:
// YAML file parsing, default/clamp normalization, hardware detection and
// performance profile selection, and hot reload of live tunables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/errs"
)

// Config is the root configuration for the memory engine.
type Config struct {
	DataDir       string `yaml:"data_dir"`
	VectorEnabled bool   `yaml:"vector_enabled"`
	Profile       string `yaml:"profile"` // empty = auto-detect from hardware

	MaxConcurrentQueries int `yaml:"max_concurrent_queries"`
	RetentionDays        int `yaml:"retention_days"`

	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Rerank       RerankConfig       `yaml:"rerank"`
	Cache        CacheConfig        `yaml:"cache"`
	Index        IndexConfig        `yaml:"index"`
	Segmentation SegmentationConfig `yaml:"text_segmentation"`
}

// EmbeddingConfig configures the embedding provider pair.
type EmbeddingConfig struct {
	Model         string `yaml:"embedding_model"`
	FallbackModel string `yaml:"fallback_model"`
	APIBase       string `yaml:"api_base"`
	APIKey        string `yaml:"api_key"`
	Dimension     int    `yaml:"dimension"`
	BatchSize     int    `yaml:"batch_size"`
	Device        string `yaml:"device"` // "auto", "gpu", "cpu"
	CPUOnly       bool   `yaml:"cpu_only"`
}

// RerankConfig configures the cross-encoder reranker.
type RerankConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Model         string `yaml:"model"`
	APIBase       string `yaml:"api_base"`
	APIKey        string `yaml:"api_key"`
	MaxCandidates int    `yaml:"max_candidates"`
	BatchSize     int    `yaml:"batch_size"`
}

// CacheConfig configures the search result cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	TTLSeconds int  `yaml:"ttl_seconds"`
}

// TTL returns the cache TTL as a duration.
func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// MaxEntries derives an entry budget from the configured size.
// Cached results are small; 1MB ≈ 64 entries is a conservative estimate.
func (c CacheConfig) MaxEntries() int {
	n := c.MaxSizeMB * 64
	if n <= 0 {
		n = 512
	}
	return n
}

// IndexConfig configures vector index persistence and placement.
type IndexConfig struct {
	SaveEvery        int `yaml:"save_every"` // persist after N inserted vectors
	MemoryLimitMB    int `yaml:"memory_limit_mb"`
	GPUMemoryLimitMB int `yaml:"gpu_memory_limit_mb"`
	GPUTempMemoryMB  int `yaml:"gpu_temp_memory_mb"`
	HNSWM            int `yaml:"hnsw_m"`
	HNSWEF           int `yaml:"hnsw_ef"`
}

// SegmentationConfig configures the conversation segmentation engine.
type SegmentationConfig struct {
	Strategy           string                  `yaml:"strategy"` // time_only, semantic_only, hybrid, adaptive
	DynamicInterval    DynamicIntervalConfig   `yaml:"dynamic_interval"`
	SemanticThreshold  SemanticThresholdConfig `yaml:"semantic_threshold"`
	MaxSegmentMessages int                     `yaml:"max_segment_messages"`
	MinSegmentMessages int                     `yaml:"min_segment_messages"`
	ActivityMultiplier float64                 `yaml:"activity_multiplier"`
}

// DynamicIntervalConfig bounds the dynamic split interval, in minutes.
type DynamicIntervalConfig struct {
	MinMinutes  float64 `yaml:"min_minutes"`
	MaxMinutes  float64 `yaml:"max_minutes"`
	BaseMinutes float64 `yaml:"base_minutes"`
}

// SemanticThresholdConfig holds the similarity cutoff for semantic splits.
type SemanticThresholdConfig struct {
	SimilarityCutoff float64 `yaml:"similarity_cutoff"`
}

// Load reads and normalizes a config file. A missing file yields the
// defaults for the auto-detected profile.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize()
			return cfg, nil
		}
		return nil, errs.NewConfigurationError(path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.NewConfigurationError(path, fmt.Errorf("parse yaml: %w", err))
	}

	cfg.normalize()
	return cfg, nil
}

// Default returns the built-in configuration before profile resolution.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:              filepath.Join(home, ".pigpig", "memory"),
		VectorEnabled:        true,
		MaxConcurrentQueries: 4,
		RetentionDays:        0, // 0 = keep forever
		Embedding: EmbeddingConfig{
			Model:         "qwen3-embedding-0.6b",
			FallbackModel: "paraphrase-multilingual-minilm-l12-v2",
			APIBase:       "http://localhost:8080/v1",
			Dimension:     1024,
			BatchSize:     32,
			Device:        "auto",
		},
		Rerank: RerankConfig{
			Enabled:       true,
			Model:         "qwen3-reranker-0.6b",
			MaxCandidates: 50,
			BatchSize:     8,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSizeMB:  8,
			TTLSeconds: 300,
		},
		Index: IndexConfig{
			SaveEvery:        100,
			MemoryLimitMB:    1024,
			GPUMemoryLimitMB: 0,
			GPUTempMemoryMB:  256,
			HNSWM:            16,
			HNSWEF:           100,
		},
		Segmentation: SegmentationConfig{
			Strategy: "adaptive",
			DynamicInterval: DynamicIntervalConfig{
				MinMinutes:  5,
				MaxMinutes:  120,
				BaseMinutes: 30,
			},
			SemanticThreshold:  SemanticThresholdConfig{SimilarityCutoff: 0.55},
			MaxSegmentMessages: 50,
			MinSegmentMessages: 3,
			ActivityMultiplier: 0.7,
		},
	}
}

// IndexDir returns the directory holding per-channel index artifacts.
func (c *Config) IndexDir() string { return filepath.Join(c.DataDir, "indices") }

// DatabasePath returns the SQLite database file path.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "memory.db") }
