package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dreamforge/api"
	"github.com/BaSui01/dreamforge/assets"
	"github.com/BaSui01/dreamforge/config"
	"github.com/BaSui01/dreamforge/enhance"
	"github.com/BaSui01/dreamforge/internal/metrics"
	"github.com/BaSui01/dreamforge/internal/server"
	"github.com/BaSui01/dreamforge/pipeline"
	"github.com/BaSui01/dreamforge/recall"
	"github.com/BaSui01/dreamforge/store"
)

// App wires the service together: store, recall engine, enhancer, asset
// adapter, orchestrator, router and HTTP server.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store  store.Store
	orch   *pipeline.Orchestrator
	server *server.Manager

	janitorStop chan struct{}
}

// NewApp builds the full dependency graph from configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	collector := metrics.NewCollector("dreamforge", logger)

	recallEngine := recall.NewEngine(st, cfg.Recall, logger)
	enhancer := enhance.NewLocalEnhancer(cfg.Enhancer, logger)

	assetGen := assets.NewAdapter(
		assets.NewHTTPJobClient(cfg.TextToImage), cfg.TextToImage,
		assets.NewHTTPJobClient(cfg.ImageTo3D), cfg.ImageTo3D,
		logger,
	)

	orch := pipeline.New(st, recallEngine, enhancer, assetGen, cfg.Pipeline, collector, logger)

	router := api.NewRouter(orch, st, collector, api.RouterConfig{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, logger)

	srv := server.NewManager(router, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	return &App{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		orch:        orch,
		server:      srv,
		janitorStop: make(chan struct{}),
	}, nil
}

// Start launches the HTTP server and the registry janitor.
func (a *App) Start() error {
	if err := a.server.Start(); err != nil {
		return err
	}
	go a.janitor()
	return nil
}

// janitor periodically prunes terminal run handles from the registry.
// Pruned runs remain queryable from the store.
func (a *App) janitor() {
	interval := a.cfg.Pipeline.HandleRetention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := a.orch.PruneHandles(); n > 0 {
				a.logger.Debug("pruned terminal run handles", zap.Int("count", n))
			}
		case <-a.janitorStop:
			return
		}
	}
}

// WaitForShutdown blocks until a signal or server error, then tears the
// app down: HTTP server first, then in-flight runs, then the store.
func (a *App) WaitForShutdown() {
	a.server.WaitForShutdown()
	a.shutdown()
}

func (a *App) shutdown() {
	close(a.janitorStop)

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.orch.Shutdown(ctx); err != nil {
		a.logger.Warn("orchestrator shutdown incomplete", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", zap.Error(err))
	}
}
