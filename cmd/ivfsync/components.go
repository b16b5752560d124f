package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/ivfsync/internal/config"
	"github.com/hyperjump/ivfsync/internal/embedding"
	"github.com/hyperjump/ivfsync/internal/lifecycle"
	"github.com/hyperjump/ivfsync/internal/storage"
	"github.com/hyperjump/ivfsync/internal/syncer"
	"github.com/hyperjump/ivfsync/pkg/utils"
)

// Components holds the wired application pieces for one command.
type Components struct {
	Config   *config.Config
	Logger   *zap.Logger
	Source   *storage.SQLiteSource
	Embedder embedding.Embedder
	Manager  *lifecycle.Manager
	Syncer   *syncer.Orchestrator
}

// Close releases the embedder and the source database.
func (c *Components) Close() error {
	var errs []error
	if c.Embedder != nil {
		errs = append(errs, c.Embedder.Close())
	}
	if c.Source != nil {
		errs = append(errs, c.Source.Close())
	}
	return errors.Join(errs...)
}

// setup loads config and builds a logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, path, err := loadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := utils.NewLogger(cfg.Debug || debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", path), zap.Bool("debug", cfg.Debug || debug))
	return cfg, logger, nil
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	source, err := storage.NewSQLiteSource(cfg.Storage.SourceDatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open record source: %w", err)
	}

	embedder := newEmbedder(cfg, logger)

	manager, err := lifecycle.Open(cfg.Lifecycle(), lifecycle.WithLogger(logger))
	if err != nil {
		_ = embedder.Close()
		_ = source.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	orch := syncer.New(source, manager, embedder,
		syncer.WithLogger(logger),
		syncer.WithRateLimit(cfg.Embedding.RateLimit, cfg.Embedding.RateBurst),
	)
	return &Components{
		Config:   cfg,
		Logger:   logger,
		Source:   source,
		Embedder: embedder,
		Manager:  manager,
		Syncer:   orch,
	}, nil
}

// newEmbedder opens the ONNX model, falling back to the deterministic mock embedder when
// the model or runtime is unavailable. Either way the result is cached.
func newEmbedder(cfg *config.Config, logger *zap.Logger) embedding.Embedder {
	var inner embedding.Embedder
	onnx, err := embedding.NewONNXEmbedder(cfg.Embedding.ModelPath, cfg.Embedding.Dimensions, cfg.Embedding.MaxTokens)
	if err != nil {
		logger.Warn("ONNX embedder unavailable, using mock embedder",
			zap.String("model_path", cfg.Embedding.ModelPath), zap.Error(err))
		inner = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	} else {
		inner = onnx
	}
	return embedding.NewCachedEmbedder(inner, cfg.Embedding.CacheSize)
}
