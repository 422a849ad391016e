// Command possyncd runs the offline-first sync engine as a daemon for one
// store terminal, exposing the status surface over HTTP for the UI layer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	possync "github.com/tillworks/possync"
	"github.com/tillworks/possync/api"
	"github.com/tillworks/possync/config"
	"github.com/tillworks/possync/logging"
	"github.com/tillworks/possync/scheduler"
	"github.com/tillworks/possync/storage/postgres"
	"github.com/tillworks/possync/storage/sqlite"
	"github.com/tillworks/possync/transport/httptransport"
	"github.com/tillworks/possync/transport/sse"
	"github.com/tillworks/possync/transport/websocket"

	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "possync.yaml", "path to configuration file")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "possyncd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(cfg.Logging)
	logger := logging.Default().Logger

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	remote := httptransport.NewClient(cfg.Remote.BaseURL,
		httptransport.WithAuthToken(cfg.Remote.AuthToken),
		httptransport.WithTimeout(cfg.Remote.GetTimeout()),
	)

	feed, err := openFeed(cfg, logger)
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}

	probeURL := cfg.Connectivity.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Remote.BaseURL + "/healthz"
	}
	monitor := possync.NewConnectivityMonitor(
		&possync.HTTPProber{URL: probeURL},
		possync.MonitorConfig{
			ProbeInterval: cfg.Connectivity.GetProbeInterval(),
			Debounce:      cfg.Connectivity.GetDebounce(),
			Logger:        logger,
		},
	)

	service, err := possync.NewService(possync.ServiceConfig{
		StoreID:   cfg.StoreID,
		Queue:     store,
		Snapshots: store,
		Remote:    remote,
		Feed:      feed,
		Monitor:   monitor,
		Engine: possync.EngineConfig{
			MaxAttempts: cfg.Sync.MaxAttempts,
			Backoff: &possync.ExponentialBackoff{
				InitialDelay: cfg.Sync.GetInitialDelay(),
				MaxDelay:     cfg.Sync.GetMaxDelay(),
				Multiplier:   cfg.Sync.Multiplier,
			},
			OpTimeout: cfg.Sync.GetOpTimeout(),
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		Enabled: cfg.Scheduler.Enabled,
		Spec:    cfg.Scheduler.Spec,
		Logger:  logger,
	}, service)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewRouter(service, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api server listening", slog.String("addr", server.Addr))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", slog.Any("error", err))
	}

	sched.Stop()
	if err := service.Shutdown(); err != nil {
		logger.Error("service shutdown failed", slog.Any("error", err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// syncStore is the combined persistence contract both drivers satisfy.
type syncStore interface {
	possync.QueueStore
	possync.SnapshotStore
}

func openStore(cfg *config.Config) (syncStore, error) {
	switch cfg.Storage.Driver {
	case "sqlite", "":
		return sqlite.New(sqlite.DefaultConfig(cfg.Storage.Path))
	case "postgres":
		return postgres.New(&postgres.Config{ConnectionString: cfg.Storage.DSN})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openFeed(cfg *config.Config, logger *slog.Logger) (possync.ChangeFeed, error) {
	if cfg.Feed.URL == "" {
		return nil, nil
	}
	switch cfg.Feed.Transport {
	case "websocket", "":
		return websocket.NewFeed(websocket.Config{
			URL:       cfg.Feed.URL,
			AuthToken: cfg.Remote.AuthToken,
			Logger:    logger,
		})
	case "sse":
		return sse.NewFeed(sse.Config{
			URL:       cfg.Feed.URL,
			AuthToken: cfg.Remote.AuthToken,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unknown feed transport %q", cfg.Feed.Transport)
	}
}
