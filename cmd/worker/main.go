package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"worker/internal/chain"
	"worker/internal/engine"
	httphandlers "worker/internal/http/handlers"
	"worker/internal/http/httpapi"
	"worker/internal/infra"
	"worker/internal/queue"
	"worker/internal/registry"
	"worker/internal/storage"
	"worker/internal/worker"
	"worker/internal/workflow"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.WorkerName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var caller registry.ContractCaller
	if cfg.RPCURL != "" {
		chainCaller, err := chain.Dial(ctx, cfg.RPCURL, cfg.RegistryCallTimeout)
		if err != nil {
			logger.Warn().Err(err).Msg("worker: chain rpc unavailable, registries run degraded")
		} else {
			caller = chainCaller
			defer chainCaller.Close()
		}
	}

	recipeCache, err := storage.NewFileStore(cfg.RecipeCacheDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure recipe cache")
	}

	models := registry.NewModelRegistry(registry.ModelRegistryOptions{
		Caller:  caller,
		Address: cfg.ModelRegistryAddress,
		TTL:     cfg.RegistryCacheTTL,
		Logger:  &logger,
	})
	recipes := registry.NewRecipeRegistry(registry.RecipeRegistryOptions{
		Caller:  caller,
		Address: cfg.RecipeRegistryAddr,
		TTL:     cfg.RegistryCacheTTL,
		Cache:   recipeCache,
		Logger:  &logger,
	})
	if !models.Enabled() {
		logger.Warn().Msg("worker: model registry disabled, parameter validation is fail-open")
	}
	logger.Info().Str("mode", recipes.Mode()).Msg("worker: recipe registry configured")

	engineClient := engine.NewClient(engine.Options{
		BaseURL: cfg.EngineURL,
		Logger:  &logger,
	})
	extractor := engine.NewExtractor(engineClient, cfg.EngineOutputDir, cfg.WorkerName, &logger)

	queueClient, err := queue.NewClient(queue.Options{
		BaseURL:    cfg.QueueURL,
		AuthKey:    cfg.QueueAuthKey,
		WorkerName: cfg.WorkerName,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure queue client")
	}

	orchestrator := &worker.Orchestrator{
		Models:       models,
		Recipes:      recipes,
		Mapper:       workflow.NewMapper(cfg.WorkflowsDir, &logger),
		Engine:       engineClient,
		Extractor:    extractor,
		Logger:       logger,
		ModelsDir:    cfg.EngineModelsDir,
		PollInterval: cfg.PollInterval,
		ImageTimeout: cfg.ImageTimeout,
		VideoTimeout: cfg.VideoTimeout,
		Strict:       cfg.StrictValidation,
		Retries:      cfg.JobRetries,
	}

	pool := &worker.Pool{
		Queue:        queueClient,
		Orchestrator: orchestrator,
		Logger:       logger,
		WorkerName:   cfg.WorkerName,
		Slots:        cfg.Slots,
		PopInterval:  cfg.QueueInterval,
	}

	app := httphandlers.NewApp(cfg.WorkerName, pool, engineClient, models, recipes)
	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app, logger))
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("worker: ops server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
