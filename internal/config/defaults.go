package config

import (
	"time"

	"github.com/hyperjump/ivfsync/internal/lifecycle"
	"github.com/hyperjump/ivfsync/internal/vector"
	"github.com/hyperjump/ivfsync/internal/watcher"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.IndexDir == "" {
		cfg.Storage.IndexDir = "/usr/local/var/ivfsync/data/index"
	}
	if cfg.Storage.SourceDatabasePath == "" {
		cfg.Storage.SourceDatabasePath = "/usr/local/var/ivfsync/data/db/records.db"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/ivfsync/data/models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.RateLimit > 0 && cfg.Embedding.RateBurst == 0 {
		cfg.Embedding.RateBurst = 1
	}

	def := vector.DefaultParams()
	if cfg.Index.NList == 0 {
		cfg.Index.NList = def.NList
	}
	if cfg.Index.M == 0 {
		cfg.Index.M = def.M
	}
	if cfg.Index.NProbe == 0 {
		cfg.Index.NProbe = def.NProbe
	}
	if cfg.Index.Iterations == 0 {
		cfg.Index.Iterations = def.Iterations
	}
	// Seed 0 is read as unset.
	if cfg.Index.Seed == 0 {
		cfg.Index.Seed = def.Seed
	}
	if cfg.Index.RetrainThreshold == 0 {
		cfg.Index.RetrainThreshold = lifecycle.DefaultRetrainThreshold
	}

	if cfg.Watch.Interval == 0 {
		cfg.Watch.Interval = watcher.DefaultInterval
	}
	// The scheduler has one-second resolution.
	if cfg.Watch.Interval > 0 && cfg.Watch.Interval < time.Second {
		cfg.Watch.Interval = time.Second
	}
}
