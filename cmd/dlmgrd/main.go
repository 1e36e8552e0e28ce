// Command dlmgrd is the download manager's orchestration daemon: it loads
// configuration, wires the JobStore/Broker/Supervisor/Pipeline/Orchestrator
// stack, and serves the REST/WebSocket transport until it receives SIGINT
// or SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/dlmgr/internal/broker"
	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/eventbus"
	"github.com/bobmcallan/dlmgr/internal/jobstore"
	"github.com/bobmcallan/dlmgr/internal/logx"
	"github.com/bobmcallan/dlmgr/internal/orchestrator"
	"github.com/bobmcallan/dlmgr/internal/pipeline"
	"github.com/bobmcallan/dlmgr/internal/security"
	"github.com/bobmcallan/dlmgr/internal/supervisor"
	"github.com/bobmcallan/dlmgr/internal/transport"
)

// version/build/commit are injected at build time via -ldflags; they stay
// at these defaults in a `go run`/dev build.
var (
	version = "dev"
	build   = "unknown"
	commit  = "unknown"
)

func main() {
	configPath := os.Getenv("DLMGR_CONFIG")

	cfg, err := config.LoadConfig(configPath, "config/dlmgr.toml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logx.New(cfg.Logging.Level)

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create data directory")
	}
	if err := os.MkdirAll(cfg.Paths.TempDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create temp directory")
	}

	ctx := context.Background()
	store, err := jobstore.New(ctx, &cfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to job store")
	}
	defer store.Close()

	bus := eventbus.New(logger)
	br := broker.New(store, &cfg.Broker, logger)
	br.SetJobTimeout(cfg.Job.Timeout())
	sup := supervisor.New(&cfg.Job, &cfg.Paths, logger)
	pl := pipeline.New(store, bus, &cfg.Pipeline, logger)

	orch := orchestrator.New(store, br, sup, pl, bus, cfg, logger)
	if err := orch.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start orchestrator")
	}

	var guard *security.Guard
	if cfg.Security.WorkerToken != "" {
		guard, err = security.NewGuard(cfg.Security.WorkerToken, cfg.Security.JWTSigningKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize worker channel security")
		}
	} else {
		logger.Warn().Msg("dlmgrd: no worker_token configured, worker channel is disabled")
	}

	versionInfo := transport.VersionInfo{Version: version, Build: build, Commit: commit}
	srv := transport.New(orch, bus, guard, pl, cfg.Paths.DataDir, versionInfo, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived downloads and WebSocket streams
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("dlmgrd: http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("dlmgrd: http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("dlmgrd: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("dlmgrd: http server shutdown failed")
	}

	orch.Stop()
	logger.Info().Msg("dlmgrd: stopped")
}
