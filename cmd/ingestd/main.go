package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/craftedclimate/telemetry/internal/cache"
	"github.com/craftedclimate/telemetry/internal/config"
	"github.com/craftedclimate/telemetry/internal/database"
	"github.com/craftedclimate/telemetry/internal/flush"
	"github.com/craftedclimate/telemetry/internal/ingest"
	"github.com/craftedclimate/telemetry/internal/liveness"
	"github.com/craftedclimate/telemetry/internal/queue"
	"github.com/craftedclimate/telemetry/internal/readapi"
	"github.com/craftedclimate/telemetry/internal/repositories"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to create redis client: %v", err)
	}
	defer redisClient.Close()

	// Collaborators and cache layers
	registry := repositories.NewPostgresDeviceRegistry(postgresPool)
	catalog := repositories.NewPostgresModelCatalog(postgresPool)
	store := repositories.NewPostgresReadingStore(postgresPool)

	metadata := cache.NewMetadata(redisClient, cfg.DeviceCacheTTL, cfg.ModelCacheTTL)
	registry.SetInvalidator(metadata)

	writeBack := cache.NewWriteBack(redisClient)

	// Pipeline
	processor := ingest.NewProcessor(registry, catalog, metadata, writeBack, logger)
	dispatch := queue.New(redisClient, logger, processor.Process, cfg.WorkerPoolSize, cfg.QueueRetryBase, cfg.QueueMaxAttempts)
	flusher := flush.New(writeBack, store, logger, cfg.FlushInterval, cfg.FlushBatchSize, cfg.FlushConcurrency)
	monitor := liveness.NewMonitor(writeBack, logger, cfg.StaleThreshold, cfg.LivenessSweepInterval)

	gateway := ingest.NewGateway(cfg.MQTTBrokerURL, cfg.MQTTClientID, dispatch, logger)
	if err := gateway.Start(); err != nil {
		log.Fatalf("Failed to start ingestion gateway: %v", err)
	}
	defer gateway.Stop()

	go dispatch.Run(ctx)
	go flusher.Run(ctx)
	go monitor.Run(ctx)

	// Operational HTTP surface
	readSvc := readapi.NewService(writeBack, store, registry, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: readapi.Router(readSvc, monitor, flusher),
	}

	// graceful shutdown
	go func() {
		<-ctx.Done()

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("ingestd started", "port", cfg.ServerPort, "broker", cfg.MQTTBrokerURL)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	logger.Info("ingestd stopped")
}
