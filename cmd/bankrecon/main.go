package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/savegress/bankrecon/internal/api"
	"github.com/savegress/bankrecon/internal/cache"
	"github.com/savegress/bankrecon/internal/config"
	"github.com/savegress/bankrecon/internal/events"
	"github.com/savegress/bankrecon/internal/importer"
	"github.com/savegress/bankrecon/internal/ledger"
	"github.com/savegress/bankrecon/internal/logger"
	"github.com/savegress/bankrecon/internal/parsers"
	"github.com/savegress/bankrecon/internal/reconciliation"
	"github.com/savegress/bankrecon/internal/rules"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/internal/storage/memory"
	"github.com/savegress/bankrecon/internal/storage/postgres"
	"github.com/savegress/bankrecon/pkg/workerpool"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, cfgErr := loadConfig()
	log := logger.New(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if cfgErr != nil {
		log.Warn().Err(cfgErr).Msg("failed to load config file, using defaults")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("bankrecon stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("environment", cfg.Server.Environment).Msg("Starting bankrecon...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := make(map[string]func(ctx context.Context) error)

	// Storage
	repo, err := openStorage(ctx, cfg.Database, checks, log)
	if err != nil {
		return err
	}
	defer repo.Close()
	store := ledger.NewStore(repo, log)

	// Cache and locking
	redisCache, err := cache.New(ctx, &cache.Config{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		Enabled:   cfg.Redis.Enabled,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisCache.Close()

	opts := reconciliation.Options{
		MatchingOrder:   cfg.Reconciliation.MatchingOrder,
		SuggestionLimit: cfg.Reconciliation.SuggestionLimit,
		CacheTTL:        cfg.Reconciliation.SuggestionCacheTTL,
	}
	opts.Tolerance, err = rules.NewTolerance(cfg.Reconciliation.ToleranceType, decimal.NewFromFloat(cfg.Reconciliation.ToleranceValue))
	if err != nil {
		return fmt.Errorf("tolerance: %w", err)
	}
	jobs, closeJobs, err := openJobStore(ctx, cfg.Import, checks, log)
	if err != nil {
		return err
	}
	defer closeJobs()
	if redisCache.IsEnabled() {
		opts.Locker = redisCache.Locker(cfg.Redis.LockTTL)
		opts.Cache = redisCache
		jobs = importer.NewCachedJobStore(jobs, redisCache, cache.TTLImportJob)
		checks["redis"] = redisCache.Ping
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis locking and caching enabled")
	}

	// Reconciliation
	docs := reconciliation.NewMemoryDocuments()
	if path := cfg.Reconciliation.DocumentsFile; path != "" {
		seed, err := config.LoadDocuments(path)
		if err != nil {
			return fmt.Errorf("load documents: %w", err)
		}
		for _, d := range seed {
			docs.Put(d)
		}
		log.Info().Int("documents", len(seed)).Str("file", path).Msg("documents loaded")
	}

	engine, err := rules.NewEngine(nil)
	if err != nil {
		return err
	}
	orch := reconciliation.New(store, engine, docs, opts, log)
	if err := loadRules(ctx, orch, cfg.Reconciliation.RulesFile); err != nil {
		return err
	}

	// Imports
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Import.Workers
	poolCfg.QueueSize = cfg.Import.QueueSize
	poolCfg.ErrorHandler = func(e *workerpool.TaskError) {
		if e.Stack != "" {
			log.Error().Str("task_id", e.TaskID).Err(e.Err).Str("stack", e.Stack).Msg("import task panicked")
		}
	}
	pool, err := workerpool.New(poolCfg)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	imp := importer.New(store, parsers.NewRegistry(), pool, jobs, importer.Config{
		BatchSize:       cfg.Import.BatchSize,
		MaxRetries:      cfg.Import.MaxRetries,
		RetryDelay:      cfg.Import.RetryDelay,
		DefaultCurrency: cfg.Import.DefaultCurrency,
		MaxFileSize:     cfg.Import.MaxFileSize,
	}, log)

	var hub *events.Hub
	if cfg.Import.Streaming {
		hub = events.NewHub(log)
		go hub.Run(ctx)
		imp.SetNotifier(hub)
	}

	// API server
	server := api.NewServer(cfg, api.Deps{
		Ledger:       store,
		Orchestrator: orch,
		Importer:     imp,
		Events:       hub,
		Checks:       checks,
	}, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("bankrecon API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down bankrecon...")
	case err := <-serveErr:
		log.Error().Err(err).Msg("HTTP server error")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := pool.StopWithContext(shutdownCtx); err != nil {
		log.Warn().Err(err).Interface("stats", pool.Stats()).Msg("import workers did not drain")
	}

	log.Info().Msg("bankrecon stopped")
	return nil
}

func openStorage(ctx context.Context, cfg config.DatabaseConfig, checks map[string]func(context.Context) error, log zerolog.Logger) (storage.Repository, error) {
	if cfg.Driver != "postgres" {
		log.Info().Msg("using in-memory storage")
		return memory.New(), nil
	}

	db, err := postgres.New(ctx, postgres.Config{
		URL:      cfg.URL,
		MaxConns: int32(cfg.MaxConns),
		MinConns: int32(cfg.MinConns),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	checks["database"] = func(ctx context.Context) error {
		return db.Pool().Ping(ctx)
	}
	log.Info().Msg("connected to postgres")
	return db, nil
}

// openJobStore returns the import job store and its cleanup
func openJobStore(ctx context.Context, cfg config.ImportConfig, checks map[string]func(context.Context) error, log zerolog.Logger) (importer.JobStore, func(), error) {
	if cfg.JobStore != "sqlite" {
		return importer.NewMemoryJobStore(), func() {}, nil
	}

	s, err := importer.NewSQLiteJobStore(cfg.JobsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open job store: %w", err)
	}
	if cfg.JobsKeep > 0 {
		n, err := s.Prune(ctx, time.Now().Add(-cfg.JobsKeep))
		if err != nil {
			log.Warn().Err(err).Msg("failed to prune import jobs")
		} else if n > 0 {
			log.Info().Int64("pruned", n).Msg("old import jobs removed")
		}
	}
	checks["jobs"] = s.Ping
	log.Info().Str("path", cfg.JobsPath).Msg("import jobs stored in sqlite")
	return s, func() { s.Close() }, nil
}

// loadRules seeds the rule store from a YAML file when one is configured,
// then loads the stored rules into the engine.
func loadRules(ctx context.Context, orch *reconciliation.Orchestrator, path string) error {
	if path == "" {
		return orch.ReloadRules(ctx)
	}
	seed, err := config.LoadRules(path)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if err := orch.SaveRules(ctx, seed...); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("BANKRECON_CONFIG")
	if configPath == "" {
		return config.LoadFromEnv(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.LoadFromEnv(), fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}
