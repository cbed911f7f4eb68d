package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mediaconv/services"
	"mediaconv/worker"

	"github.com/spf13/cobra"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the conversion workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(cmd.Context(), ctx)
		},
	}
}

func runWorkers(parent context.Context, cmdCtx *commandContext) error {
	log.Println("Starting media conversion service...")

	cfg := cmdCtx.config()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	redisClient, err := cmdCtx.redis(parent)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Println("Connected to Redis successfully")

	dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbSvc.Close()
	if err := dbSvc.EnsureSchema(parent); err != nil {
		log.Fatalf("Failed to prepare database schema: %v", err)
	}
	log.Println("Connected to database successfully")

	var store services.ObjectStore
	var dedup services.DedupStore
	if cfg.Storage.Remote() {
		store, err = services.NewObjectStore(parent, cfg.Storage)
		if err != nil {
			log.Fatalf("Failed to initialize object storage: %v", err)
		}
		if closer, ok := store.(io.Closer); ok {
			defer closer.Close()
		}
		if cfg.Storage.DedupEnabled {
			namespace := cfg.DedupKeyPrefix + cfg.Storage.PathPrefix + ":"
			dedup = services.NewDedupCache(redisClient, namespace, cfg.Storage.DedupTTL)
		}
		log.Printf("Remote storage: %s bucket %s (dedup: %v)", cfg.Storage.Provider, cfg.Storage.Bucket, cfg.Storage.DedupEnabled)
	} else {
		log.Println("Local storage mode: outputs are moved to the requested paths")
	}

	processor := worker.NewProcessor(
		cfg.Storage,
		services.NewFFmpegRunner(cfg.FFmpegPath),
		services.NewLocalStorage(),
		services.NewRemoteStorage(cfg.Storage, store, dedup),
		cfg.TempDir,
		time.Duration(cfg.ConversionTimeout)*time.Second,
	)
	pool := worker.NewPool(cfg, redisClient, processor, dbSvc)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(ctx, workerID)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.RecoveryLoop(ctx)
	}()

	log.Printf("Started %d conversion workers", cfg.WorkerCount)
	log.Printf("Listening on Redis queue: %s", cfg.PendingQueue)
	log.Printf("Encoder: %s", cfg.FFmpegPath)
	log.Println("Service is ready to process conversions")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-parent.Done():
	}

	log.Println("Shutdown signal received, stopping workers...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Println("Shutdown timeout, forcing exit")
	}

	log.Println("Conversion service stopped")
	return nil
}
