// Package config provides configuration loading and structs for ivfsync.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/ivfsync/internal/lifecycle"
	"github.com/hyperjump/ivfsync/internal/vector"
)

// EnvConfigPath names the environment variable that overrides the default config path.
const EnvConfigPath = "IVFSYNC_CONFIG"

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig holds the index directory and the record source database.
type StorageConfig struct {
	IndexDir           string `yaml:"index_dir"`
	SourceDatabasePath string `yaml:"source_database_path"`
}

// EmbeddingConfig holds ONNX embedder settings. RateLimit is embeddings per second;
// zero disables limiting.
type EmbeddingConfig struct {
	ModelPath  string  `yaml:"model_path"`
	Dimensions int     `yaml:"dimensions"`
	MaxTokens  int     `yaml:"max_tokens"`
	CacheSize  int     `yaml:"cache_size"`
	RateLimit  float64 `yaml:"rate_limit"`
	RateBurst  int     `yaml:"rate_burst"`
}

// IndexConfig holds the requested IVF-PQ parameters and the retrain policy.
type IndexConfig struct {
	NList            int     `yaml:"nlist"`
	M                int     `yaml:"m"`
	NProbe           int     `yaml:"nprobe"`
	Iterations       int     `yaml:"kmeans_iterations"`
	Seed             int64   `yaml:"seed"`
	RetrainThreshold float64 `yaml:"retrain_threshold"`
}

// Params returns the vector parameters described by c.
func (c IndexConfig) Params() vector.Params {
	return vector.Params{
		NList:      c.NList,
		M:          c.M,
		NProbe:     c.NProbe,
		Iterations: c.Iterations,
		Seed:       c.Seed,
	}
}

// WatchConfig holds change watcher settings.
type WatchConfig struct {
	Interval           time.Duration `yaml:"interval"`
	WakeOnSourceChange bool          `yaml:"wake_on_source_change"`
}

// Lifecycle returns the index manager configuration.
func (c *Config) Lifecycle() lifecycle.Config {
	return lifecycle.Config{
		Dir:              c.Storage.IndexDir,
		Dimensions:       c.Embedding.Dimensions,
		Params:           c.Index.Params(),
		RetrainThreshold: c.Index.RetrainThreshold,
	}
}

// Validate reports settings that cannot work after defaults are applied.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Embedding.Dimensions < 1 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions))
	}
	if c.Embedding.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("embedding.rate_limit must not be negative, got %g", c.Embedding.RateLimit))
	}
	if err := c.Index.Params().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Index.RetrainThreshold < 0 {
		errs = append(errs, fmt.Errorf("index.retrain_threshold must not be negative, got %g", c.Index.RetrainThreshold))
	}
	if c.Watch.Interval <= 0 {
		errs = append(errs, fmt.Errorf("watch.interval must be positive, got %s", c.Watch.Interval))
	}
	return errors.Join(errs...)
}

// Load reads and parses the config file at path, expands paths, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.IndexDir = expandPath(cfg.Storage.IndexDir, configDir)
	cfg.Storage.SourceDatabasePath = expandPath(cfg.Storage.SourceDatabasePath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ResolvePath returns explicit when set, else $IVFSYNC_CONFIG, else fallback.
func ResolvePath(explicit, fallback string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return fallback
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
