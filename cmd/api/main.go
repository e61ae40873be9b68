package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/tronvault/tronvault/internal/app"
	"github.com/tronvault/tronvault/internal/config"
	"github.com/tronvault/tronvault/internal/infra"
	"github.com/tronvault/tronvault/internal/logging"
	"github.com/tronvault/tronvault/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if cfg.AutoMigrate {
			version, err := infra.Migrate(ctx, db)
			if err != nil {
				logger.Error("migrate postgres", "error", err)
				os.Exit(1)
			}
			logger.Info("schema migrated", "version", version)
		}
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	services, err := app.Build(cfg, db, cache, logger)
	if err != nil {
		logger.Error("build services", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, db, cache, logger, services)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	reconcileDone := make(chan struct{})
	if cfg.Reconcile.Interval > 0 {
		go func() {
			defer close(reconcileDone)
			services.Reconciler.Run(ctx)
		}()
	} else {
		close(reconcileDone)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	stop()
	<-reconcileDone

	logger.Info("server exited cleanly")
}
