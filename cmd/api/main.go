package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"raidboard/api/internal/app"
	"raidboard/api/internal/config"
	"raidboard/api/internal/lease"
	"raidboard/api/internal/logging"
	"raidboard/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, os.Getenv("RAID_DEV") != "")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	pool := store.DefaultPool()
	pool.MaxOpen = cfg.DBMaxConns
	pool.MaxIdle = min(pool.MaxIdle, cfg.DBMaxConns)
	pool.ConnectAttempts = cfg.DBConnectAttempts
	db, err := store.Open(ctx, cfg.DatabaseURL, pool, logger)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	recordStore := store.NewPostgresStore(db)

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for enrichment leases")
		leases, err := lease.NewRedisLease(cfg.RedisURL, cfg.EnrichLeaseTTL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer leases.Close()
		service = app.New(recordStore, leases, logger)
	} else {
		logger.Info("enrichment leases disabled, single replica assumed")
		service = app.New(recordStore, nil, logger)
	}

	httpServer := app.NewHTTPServer(service, cfg.APIToken, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("RAID API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
