package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskrun/internal/api"
	"taskrun/internal/config"
	"taskrun/internal/core"
	"taskrun/internal/logging"
	taskrunmcp "taskrun/internal/mcp"
	"taskrun/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	executor := core.NewScriptExecutor(cfg.ExecTimeout, logger)
	scheduler := core.NewScheduler(storeInst, executor, logger, location)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	scheduler.Start(ctx)
	if _, err := scheduler.Reload(ctx); err != nil {
		logger.Error("reload persisted tasks", "err", err)
	}

	switch cfg.Mode {
	case "http":
		runHTTPMode(cfg, storeInst, scheduler, logger, location, cancel)
	case "mcp":
		runMCPMode(storeInst, scheduler, logger, location, cancel)
	case "both":
		runBothMode(cfg, storeInst, scheduler, logger, location, cancel)
	}
}

// runHTTPMode serves the HTTP API until a signal arrives.
func runHTTPMode(cfg *config.Config, storeInst *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	server := api.NewServer(cfg.Addr, cfg.AuthToken, storeInst, scheduler, logger, location)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdown(cfg, server, scheduler, logger, cancel)
}

// runMCPMode serves MCP tools over stdio.
func runMCPMode(storeInst *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	mcpServer := taskrunmcp.NewMCPServer(storeInst, scheduler, logger, location)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("received signal, shutting down")
		scheduler.Stop()
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

// runBothMode serves HTTP and MCP side by side.
func runBothMode(cfg *config.Config, storeInst *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	mcpServer := taskrunmcp.NewMCPServer(storeInst, scheduler, logger, location)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(cfg.Addr, cfg.AuthToken, storeInst, scheduler, logger, location)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdown(cfg, server, scheduler, logger, cancel)
}

func shutdown(cfg *config.Config, server *api.Server, scheduler *core.Scheduler, logger *slog.Logger, cancel context.CancelFunc) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	stopped := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("scheduler stop timed out, canceling in-flight executions")
		cancel()
		<-stopped
	}
	logger.Info("shutdown complete")
}
