// Package config handles eleve configuration from a YAML file and environment
// variables.
//
// Configuration starts from DefaultConfig(), is optionally overlaid with a
// YAML file, and finally with ELEVE_* environment variables, which always
// win. Validate() should be called before the Config is used.
//
// Example Usage:
//
//	cfg, err := config.LoadFromEnvOrFile("./eleve.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//   - ELEVE_DATA_DIR="./data"
//   - ELEVE_IN_MEMORY=false
//   - ELEVE_SYNC_WRITES=false
//   - ELEVE_LOW_MEMORY=false
//   - ELEVE_ORDER=5
//   - ELEVE_TERMINALS="^" (comma separated)
//   - ELEVE_STATS_POLICY="refresh" or "strict"
//   - ELEVE_CACHE_ENABLED=true
//   - ELEVE_CACHE_SIZE=10000
//   - ELEVE_WRITE_BUFFER=0
//   - ELEVE_POOL_ENABLED=true
//   - ELEVE_POOL_MAX_SIZE=65536
//   - ELEVE_LOG_STORAGE=false
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Statistics policies for QueryAutonomy on a trie changed since the last
// UpdateStats.
const (
	// StatsPolicyRefresh rebuilds the statistics on demand.
	StatsPolicyRefresh = "refresh"
	// StatsPolicyStrict fails the query instead.
	StatsPolicyStrict = "strict"
)

// Config holds all eleve configuration.
//
// Configuration is organized into sections:
//   - Storage: where and how the tries are persisted
//   - Model: n-gram order and terminal tokens
//   - Stats: normalization statistics policy
//   - Cache: entropy cache
//   - Ingest: write buffering and buffer pools
//   - Logging: log routing
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Model   ModelConfig   `yaml:"model"`
	Stats   StatsConfig   `yaml:"stats"`
	Cache   CacheConfig   `yaml:"cache"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds BadgerDB settings.
type StorageConfig struct {
	// DataDir holds the fwd/ and bwd/ trie directories
	DataDir string `yaml:"data_dir"`
	// InMemory keeps everything in RAM; DataDir is ignored
	InMemory bool `yaml:"in_memory"`
	// SyncWrites fsyncs every commit
	SyncWrites bool `yaml:"sync_writes"`
	// LowMemory shrinks Badger's tables and caches
	LowMemory bool `yaml:"low_memory"`
}

// ModelConfig holds the language model shape.
type ModelConfig struct {
	// Order is the maximum n-gram length
	Order int `yaml:"order"`
	// Terminals are sentence boundary tokens; the first one pads sentences
	Terminals []string `yaml:"terminals"`
}

// StatsConfig holds the statistics refresh policy.
type StatsConfig struct {
	// Policy is StatsPolicyRefresh or StatsPolicyStrict
	Policy string `yaml:"policy"`
}

// CacheConfig holds entropy cache settings.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	Size    int  `yaml:"size"`
}

// IngestConfig holds write path settings.
type IngestConfig struct {
	// WriteBuffer is the number of pending node increments kept in memory
	// per trie; 0 writes through
	WriteBuffer int `yaml:"write_buffer"`
	// PoolEnabled reuses key and count buffers
	PoolEnabled bool `yaml:"pool_enabled"`
	// PoolMaxSize is the largest buffer returned to the pools
	PoolMaxSize int `yaml:"pool_max_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Storage routes Badger's internal logs through the standard logger
	Storage bool `yaml:"storage"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Model: ModelConfig{
			Order:     5,
			Terminals: []string{"^"},
		},
		Stats: StatsConfig{
			Policy: StatsPolicyRefresh,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    10000,
		},
		Ingest: IngestConfig{
			PoolEnabled: true,
			PoolMaxSize: 1 << 16,
		},
	}
}

// LoadFile loads configuration from a YAML file on top of the defaults.
// Keys missing from the file keep their default value.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads the defaults overridden by environment variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// LoadFromEnvOrFile loads the file (when path is set and exists) and then
// applies environment overrides. Environment variables take precedence over
// file settings. A missing file falls back to the defaults; a malformed one
// is an error.
func LoadFromEnvOrFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFile(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.DataDir = getEnv("ELEVE_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("ELEVE_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("ELEVE_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.LowMemory = getEnvBool("ELEVE_LOW_MEMORY", c.Storage.LowMemory)

	c.Model.Order = getEnvInt("ELEVE_ORDER", c.Model.Order)
	c.Model.Terminals = getEnvStringSlice("ELEVE_TERMINALS", c.Model.Terminals)

	c.Stats.Policy = strings.ToLower(getEnv("ELEVE_STATS_POLICY", c.Stats.Policy))

	c.Cache.Enabled = getEnvBool("ELEVE_CACHE_ENABLED", c.Cache.Enabled)
	c.Cache.Size = getEnvInt("ELEVE_CACHE_SIZE", c.Cache.Size)

	c.Ingest.WriteBuffer = getEnvInt("ELEVE_WRITE_BUFFER", c.Ingest.WriteBuffer)
	c.Ingest.PoolEnabled = getEnvBool("ELEVE_POOL_ENABLED", c.Ingest.PoolEnabled)
	c.Ingest.PoolMaxSize = getEnvInt("ELEVE_POOL_MAX_SIZE", c.Ingest.PoolMaxSize)

	c.Logging.Storage = getEnvBool("ELEVE_LOG_STORAGE", c.Logging.Storage)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Model.Order < 1 {
		return fmt.Errorf("invalid order: %d (must be >= 1)", c.Model.Order)
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("data directory required unless in_memory is set")
	}
	switch c.Stats.Policy {
	case StatsPolicyRefresh, StatsPolicyStrict:
	default:
		return fmt.Errorf("invalid stats policy %q (want %q or %q)",
			c.Stats.Policy, StatsPolicyRefresh, StatsPolicyStrict)
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("invalid cache size: %d", c.Cache.Size)
	}
	if c.Ingest.WriteBuffer < 0 {
		return fmt.Errorf("invalid write buffer: %d", c.Ingest.WriteBuffer)
	}
	seen := make(map[string]struct{}, len(c.Model.Terminals))
	for _, term := range c.Model.Terminals {
		if _, dup := seen[term]; dup {
			return fmt.Errorf("duplicate terminal %q", term)
		}
		seen[term] = struct{}{}
	}
	return nil
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	dir := c.Storage.DataDir
	if c.Storage.InMemory {
		dir = "(memory)"
	}
	return fmt.Sprintf(
		"Config{DataDir: %s, Order: %d, Terminals: %q, Stats: %s, Cache: %v/%d, WriteBuffer: %d}",
		dir, c.Model.Order, c.Model.Terminals, c.Stats.Policy,
		c.Cache.Enabled, c.Cache.Size, c.Ingest.WriteBuffer,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		// Split by comma, trim whitespace
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}

// FormatSize formats bytes as human-readable string.
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
