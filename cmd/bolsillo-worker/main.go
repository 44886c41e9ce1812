package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"bolsillo/internal/amqp"
	"bolsillo/internal/config"
	"bolsillo/internal/export"
	gexport "bolsillo/internal/export/google"
	mexport "bolsillo/internal/export/memory"
	"bolsillo/internal/log"
	"bolsillo/internal/storage"
	"bolsillo/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger := log.New(log.DefaultConfig())
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Component: log.ComponentWorker,
	})
	log.SetDefault(logger)

	logger.Info("Starting bolsillo-worker")

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", log.FieldError, err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sink export.MovementWriter
	switch cfg.ExportBackend {
	case "sheets":
		client, err := gexport.NewFromEnv(ctx)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", log.FieldError, err)
			os.Exit(1)
		}
		sink = client
		logger.Info("Initialized Google Sheets export", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	case "memory":
		sink = mexport.New()
		logger.Info("Initialized in-memory export")
	default:
		logger.Info("Export disabled - running reconciliation only", "backend", cfg.ExportBackend)
	}

	syncWorker := worker.NewSyncWorker(repo, sink, cfg.SyncBatchSize, cfg.ReconcileAfter)

	if sink != nil {
		logger.Info("Performing startup sync check...")
		if err := syncWorker.StartupCheck(ctx); err != nil {
			logger.Error("Failed startup sync check", log.FieldError, err)
			// Don't exit - the periodic sweep retries
		}
	}

	group, ctx := errgroup.WithContext(ctx)

	if cfg.AMQPURL != "" && sink != nil {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", log.FieldError, err)
			os.Exit(1)
		}
		defer amqpClient.Close()

		group.Go(func() error {
			return amqpClient.ConsumeMovementEvents(ctx, func(event *amqp.MovementEvent) error {
				return syncWorker.HandleMovementEvent(ctx, event)
			})
		})
	} else {
		logger.Info("Skipping AMQP consumption", "amqp_configured", cfg.AMQPURL != "", "export_configured", sink != nil)
	}

	group.Go(func() error {
		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if sink != nil {
					if err := syncWorker.ProcessUnsynced(ctx); err != nil {
						logger.Error("Periodic sync failed", log.FieldError, err)
					}
				}
				if err := syncWorker.ReconcilePending(ctx); err != nil {
					logger.Error("Reconciliation sweep failed", log.FieldError, err)
				}
			}
		}
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Worker stopped gracefully")
}
