package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oddslive/relay/internal/cache"
	"github.com/oddslive/relay/internal/config"
	"github.com/oddslive/relay/internal/poll"
	"github.com/oddslive/relay/internal/registry"
	"github.com/oddslive/relay/internal/relay"
	"github.com/oddslive/relay/internal/server"
	"github.com/oddslive/relay/internal/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup logger
	logger, err := setupLogger(os.Getenv("ODDSRELAY_LOGGING_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	// Load config
	cfg, err := config.Load(os.Getenv("ODDSRELAY_CONFIG"))
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return 1
	}

	logger.Info("configuration loaded",
		zap.String("bindAddr", cfg.Server.BindAddr),
		zap.String("redisAddr", cfg.Redis.Addr),
		zap.Strings("channels", cfg.Redis.Channels),
		zap.Duration("pollWait", cfg.Poll.Wait()),
		zap.Duration("snapshotTTL", cfg.Cache.SnapshotTTL()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(logger)
	snapshots := cache.New(cfg.Cache.SnapshotTTL())

	// Redis must be reachable at startup.
	rly, err := relay.New(ctx, cfg.Redis.Addr, cfg.Redis.Channels, snapshots, reg, logger)
	if err != nil {
		logger.Error("failed to connect to redis", zap.Error(err))
		return 1
	}
	defer rly.Close()
	go func() {
		if err := rly.Run(ctx); err != nil {
			logger.Error("relay consumer exited", zap.Error(err))
		}
	}()

	wsHandler := ws.NewHandler(reg, rly, logger)
	pollHandlers := poll.NewHandlers(reg, rly, poll.Config{
		Wait:        cfg.Poll.Wait(),
		MailboxSize: cfg.Poll.MailboxSize,
		IdleHorizon: cfg.Poll.IdleHorizon(),
	}, logger)
	go pollHandlers.Run(ctx)

	router := server.NewRouter(wsHandler, pollHandlers, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.BindAddr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting relay", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down relay...")

	// Stop the consumer and poll reaper before closing sessions.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownSec)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("relay stopped")
	return 0
}

func setupLogger(levelText string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.DisableStacktrace = true
	if levelText != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(levelText)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(level)
		}
	}
	return zapConfig.Build()
}
