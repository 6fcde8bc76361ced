// Command commbusd is the commbus daemon: the single shared message bus
// every agent session connects to. It owns the persistent message log,
// the presence sweeper, and the HTTP/WebSocket surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openhive/commbus/cache"
	"github.com/openhive/commbus/comms"
	"github.com/openhive/commbus/config"
	"github.com/openhive/commbus/internal/version"
	"github.com/openhive/commbus/presence"
	"github.com/openhive/commbus/server"
	"github.com/openhive/commbus/store"
)

var configPath = flag.String("config", "commbus.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = config.DefaultConfig()
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	logger.Info("starting commbusd",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}
	st, err := store.NewSQLite(filepath.Join(cfg.DataDir, "commbus.db"))
	if err != nil {
		log.Fatalf("Failed to open message store: %v", err)
	}
	defer st.Close()

	tracker := presence.NewTracker(cfg.Presence.OfflineAfter(), logger)
	bus := comms.NewBus(comms.NewRegistry(), comms.Options{
		Log:           st,
		Presence:      tracker,
		OfflinePolicy: comms.OfflinePolicy(cfg.Bus.OfflinePolicy),
		PersistTries:  cfg.Bus.PersistRetries,
		PersistWait:   cfg.Bus.PersistBackoff(),
		Logger:        logger,
	})

	mirror, err := cache.New(cache.Config{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Warn("redis mirror disabled", "err", err)
	}
	defer mirror.Close()

	srv := server.New(*cfg, version.Version, logger, bus, tracker, st, mirror)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Presence sweeping runs independently of traffic so silent agents
	// go offline even when nobody is sending.
	go tracker.RunSweeper(ctx, cfg.Presence.SweepInterval(), func(agentIDs []string) {
		bus.MarkOffline(agentIDs...)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	fmt.Printf("commbus daemon running on %s\n", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	logger.Info("shutdown complete")
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
