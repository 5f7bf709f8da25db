package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskerman/internal/api"
	"taskerman/internal/config"
	"taskerman/internal/core"
	"taskerman/internal/logging"
	taskermanmcp "taskerman/internal/mcp"
	"taskerman/internal/notify"
	"taskerman/internal/store"
	"taskerman/internal/telemetry"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol in the stdio modes.
	var logOut io.Writer = os.Stdout
	if cfg.Mode != config.ModeHTTP {
		logOut = os.Stderr
	}
	logger := logging.New(logOut, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("taskermand exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	storeInst, err := store.Open(ctx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		return err
	}
	defer storeInst.Close()

	if n, err := storeInst.CancelUnfinishedRuns(ctx); err != nil {
		logger.Warn("cancel unfinished runs", "err", err)
	} else if n > 0 {
		logger.Info("marked interrupted runs as canceled", "count", n)
	}

	var exporter io.Writer
	if cfg.Metrics.Enabled {
		exporter = os.Stderr
	}
	shutdownMetrics, err := telemetry.Setup(exporter, cfg.Metrics.Interval)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "err", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return err
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	scheduler, err := core.NewScheduler(core.SchedulerOptions{
		Executor:    core.NewCommandExecutor(storeInst, logger),
		Notifier:    notifier,
		Metrics:     metrics,
		Definitions: storeInst,
		Location:    location,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer scheduler.Close()

	persisted, err := storeInst.LoadDefinitions(ctx)
	if err != nil {
		return err
	}
	if err := scheduler.Sync(ctx, persisted); err != nil {
		logger.Error("restore persisted definitions", "err", err)
	}

	if cfg.Definitions != "" {
		defs, err := config.LoadDefinitions(cfg.Definitions)
		if err != nil {
			return err
		}
		if err := scheduler.Sync(ctx, defs); err != nil {
			logger.Error("sync definitions file", "path", cfg.Definitions, "err", err)
		}
		if cfg.Watch {
			go func() {
				err := config.WatchDefinitions(ctx, cfg.Definitions, logger, func(defs core.Definitions) {
					if err := scheduler.Sync(ctx, defs); err != nil {
						logger.Error("sync reloaded definitions", "err", err)
					}
				})
				if err != nil {
					logger.Error("watch definitions", "err", err)
				}
			}()
		}
	}

	mcpServer := taskermanmcp.NewMCPServer(storeInst, scheduler, logger)

	switch cfg.Mode {
	case config.ModeMCP:
		return runMCPMode(ctx, mcpServer, logger)
	case config.ModeBoth:
		return runBothMode(ctx, cfg, storeInst, scheduler, mcpServer, logger)
	default:
		return runHTTPMode(ctx, cfg, storeInst, scheduler, mcpServer, logger)
	}
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) (core.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, bark)
	}
	if len(notifiers) == 0 {
		return &notify.NoOpNotifier{}, nil
	}
	return notify.NewRateLimited(
		notify.NewMultiNotifier(notifiers...),
		cfg.Notification.RatePerMinute,
		cfg.Notification.Burst,
		logger,
	), nil
}

// runHTTPMode serves the HTTP API, with MCP mounted at /mcp, until ctx is done.
func runHTTPMode(ctx context.Context, cfg *config.Config, store *store.Store, scheduler *core.Scheduler, mcpServer *taskermanmcp.MCPServer, logger *slog.Logger) error {
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, store, scheduler, mcpServer.HTTPHandler(), logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err = <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown", "err", serr)
	}
	return err
}

// runMCPMode serves MCP over stdio until stdin closes or a signal arrives.
func runMCPMode(ctx context.Context, mcpServer *taskermanmcp.MCPServer, logger *slog.Logger) error {
	mcpErr := make(chan error, 1)
	go func() { mcpErr <- mcpServer.Run() }()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		return nil
	case err := <-mcpErr:
		return err
	}
}

// runBothMode serves stdio MCP and the HTTP API together.
func runBothMode(ctx context.Context, cfg *config.Config, store *store.Store, scheduler *core.Scheduler, mcpServer *taskermanmcp.MCPServer, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := mcpServer.Run(); err != nil {
			logger.Error("mcp server error", "err", err)
		}
		// stdin closed: the client is gone.
		cancel()
	}()
	return runHTTPMode(ctx, cfg, store, scheduler, mcpServer, logger)
}
