package main

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/parley-dev/parley"
	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/internal/logging"
	"github.com/parley-dev/parley/pkg/adapters/memory"
	"github.com/parley-dev/parley/pkg/adapters/openai"
	redisadapter "github.com/parley-dev/parley/pkg/adapters/redis"
	"github.com/parley-dev/parley/pkg/adapters/sqlite"
)

// stack bundles the wired application with the handles commands need.
type stack struct {
	app      *parley.Parley
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	close    func()
}

// buildStack assembles the full conversation stack from the configuration
// file: store backend, optional redis ledger and lock, LLM collaborators,
// metrics and logging.
func buildStack(configPath string) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	registry := prometheus.NewRegistry()

	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no LLM API key configured (set OPENAI_API_KEY or llm.api_key)")
	}
	llmOpts := []openai.Option{openai.WithModel(cfg.LLM.Model)}
	if cfg.LLM.BaseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(cfg.LLM.BaseURL))
	}
	llm, err := openai.New(cfg.LLM.APIKey, llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build LLM client: %w", err)
	}

	opts := []parley.Option{
		parley.WithLogger(logger),
		parley.WithMetricsRegistry(registry),
	}
	closers := []func(){}

	switch cfg.Storage.Backend {
	case "sqlite":
		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		closers = append(closers, func() { _ = store.Close() })
		opts = append(opts, parley.WithStore(store), parley.WithSnapshotStore(store))
	default:
		opts = append(opts, parley.WithStore(memory.NewStore()), parley.WithSnapshotStore(memory.NewSnapshotStore()))
	}

	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = client.Close() })
		opts = append(opts,
			parley.WithLedger(redisadapter.NewLedger(client, cfg.Redis.KeyPrefix)),
			parley.WithLocker(redisadapter.NewLocker(client, cfg.Redis.KeyPrefix)),
			parley.WithLockTTL(cfg.Redis.LockTTL),
		)
	}

	app, err := parley.New(llm, llm, opts...)
	if err != nil {
		return nil, err
	}

	return &stack{
		app:      app,
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		close: func() {
			for _, fn := range closers {
				fn()
			}
		},
	}, nil
}
