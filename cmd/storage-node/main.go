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

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Talkytitan5127/s3-storage/internal/chunkserver"
	"github.com/Talkytitan5127/s3-storage/internal/config"
	"github.com/Talkytitan5127/s3-storage/internal/metastore"
)

func main() {
	cfg := config.LoadStorageNode()

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

	store, err := chunkserver.NewDiskStore(cfg.DataDir)
	if err != nil {
		logger.Fatal("open chunk store", zap.Error(err))
	}
	defer store.Close()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect to metadata store", zap.Error(err))
	}
	meta := metastore.NewPostgresStore(pool)
	defer meta.Close()

	if err := meta.EnsureSchema(ctx); err != nil {
		logger.Fatal("ensure schema", zap.Error(err))
	}

	address := cfg.AdvertiseAddr
	if address == "" {
		hostname, err := os.Hostname()
		if err != nil {
			logger.Fatal("resolve hostname", zap.Error(err))
		}
		address = fmt.Sprintf("%s:%s", hostname, cfg.HTTPPort)
	}

	total, used, available, err := store.Stats()
	if err != nil {
		logger.Fatal("read disk stats", zap.Error(err))
	}

	server := &metastore.StorageServer{
		Address:        address,
		TotalSpace:     total,
		UsedSpace:      used,
		AvailableSpace: available,
	}
	if err := meta.UpsertServer(ctx, server); err != nil {
		logger.Fatal("register storage server", zap.Error(err))
	}
	logger.Info("storage node registered",
		zap.String("server_id", server.ServerID.String()),
		zap.String("address", address))

	// Heartbeats carry capacity so the registry and ring see space
	// without extra RPCs.
	stopHeartbeat := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, used, available, err := store.Stats()
				if err != nil {
					logger.Warn("disk stats failed", zap.Error(err))
					continue
				}
				if err := meta.Heartbeat(ctx, server.ServerID, used, available); err != nil {
					logger.Warn("heartbeat failed", zap.Error(err))
				}
			case <-stopHeartbeat:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      chunkserver.NewServer(store, logger.Named("chunks")).Router(),
		ReadTimeout:  30 * time.Minute,
		WriteTimeout: 30 * time.Minute,
	}

	go func() {
		logger.Info("storage node listening", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	close(stopHeartbeat)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
