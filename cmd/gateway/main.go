package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Talkytitan5127/s3-storage/internal/chunkclient"
	"github.com/Talkytitan5127/s3-storage/internal/circuitbreaker"
	"github.com/Talkytitan5127/s3-storage/internal/cleanup"
	"github.com/Talkytitan5127/s3-storage/internal/config"
	"github.com/Talkytitan5127/s3-storage/internal/gateway"
	"github.com/Talkytitan5127/s3-storage/internal/metastore"
	"github.com/Talkytitan5127/s3-storage/internal/retry"
	"github.com/Talkytitan5127/s3-storage/internal/ring"
	"github.com/Talkytitan5127/s3-storage/internal/session"
)

func main() {
	cfg := config.LoadGateway()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect to metadata store", zap.Error(err))
	}
	store := metastore.NewPostgresStore(pool)
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		logger.Fatal("ping metadata store", zap.Error(err))
	}
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("ensure schema", zap.Error(err))
	}

	refresher := ring.NewRefresher(store, cfg.HeartbeatWindow, cfg.RingRefreshInterval,
		ring.DefaultVirtualNodes, logger.Named("ring"))
	if err := refresher.RefreshNow(ctx); err != nil {
		logger.Warn("initial ring refresh failed", zap.Error(err))
	}
	if refresher.Current().Size() == 0 {
		logger.Warn("no live storage servers at startup; uploads will fail until nodes register")
	}
	refresher.Start(ctx)
	defer refresher.Stop()

	// Chunk RPCs go through per-node circuit breakers so a flapping node
	// fails fast instead of eating the request timeout on every call.
	client := chunkclient.NewGuarded(chunkclient.New(5*time.Minute), circuitbreaker.DefaultConfig())

	sessions := session.NewManager(store, refresher, client, session.Options{
		MaxChunkSize:      cfg.MaxChunkSize,
		SessionTTL:        cfg.SessionTTL,
		PlacementAttempts: cfg.PlacementAttempts,
		Retry:             retry.DefaultConfig(),
	}, logger.Named("session"))

	job := cleanup.NewJob(store, client, logger.Named("cleanup"))
	job.Start(ctx, cfg.CleanupInterval)
	defer job.Stop()

	handler := gateway.NewHandler(store, sessions, client,
		cfg.HeartbeatWindow, cfg.UploadParallelism, logger.Named("gateway"))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.Router(),
		ReadTimeout:  30 * time.Minute,
		WriteTimeout: 30 * time.Minute,
	}

	go func() {
		logger.Info("gateway listening", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
