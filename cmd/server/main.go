package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/forkful/mediaqueue/internal/api"
	"github.com/forkful/mediaqueue/internal/config"
	"github.com/forkful/mediaqueue/internal/database"
	"github.com/forkful/mediaqueue/internal/events"
	"github.com/forkful/mediaqueue/internal/files"
	"github.com/forkful/mediaqueue/internal/queue"
	"github.com/forkful/mediaqueue/internal/recipes"
	"github.com/forkful/mediaqueue/internal/retry"
	"github.com/forkful/mediaqueue/internal/s3media"
	"github.com/forkful/mediaqueue/internal/store"
	"github.com/forkful/mediaqueue/internal/transfer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	queueDB, err := database.OpenQueueDB(cfg.DataDir)
	if err != nil {
		log.Fatalf("open queue db: %v", err)
	}
	defer queueDB.Close()
	if err := store.InitSchema(queueDB); err != nil {
		log.Fatalf("init queue schema: %v", err)
	}

	pool, err := database.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureRecipeSchema(ctx, pool); err != nil {
		log.Fatalf("ensure recipe schema: %v", err)
	}
	repo := recipes.NewRepository(pool)

	objects, err := s3media.New(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure bucket: %v", err)
	}

	jobClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer jobClient.Close()

	finalizer := recipes.NewFinalizer(repo, jobClient)
	executor := transfer.NewExecutor(files.LocalSource{}, objects, finalizer, transfer.Options{
		MaxFileSize:     cfg.MaxFileSize,
		UploadTimeout:   cfg.UploadTimeout,
		FinalizeTimeout: cfg.FinalizeTimeout,
	})
	bus := events.NewBus(cfg.ThrottleWindow)
	registry := queue.NewRegistry(queue.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		MaxAttempts:    cfg.MaxAttempts,
		MaxQueueLength: cfg.MaxQueueLength,
		Policy: retry.Policy{
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
		},
	}, bus, executor, func(ownerID string) queue.Store {
		return store.New(queueDB, ownerID, cfg.StoreCapacity)
	})
	defer registry.CloseAll()

	srv := api.New(cfg, registry, bus)
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
