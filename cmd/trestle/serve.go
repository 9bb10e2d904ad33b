package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/trestle/internal/auth"
	"github.com/haasonsaas/trestle/internal/bridge"
	"github.com/haasonsaas/trestle/internal/config"
	"github.com/haasonsaas/trestle/internal/matrix"
	"github.com/haasonsaas/trestle/internal/observability"
	"github.com/haasonsaas/trestle/internal/server"
	"github.com/haasonsaas/trestle/internal/store"
)

// buildServeCmd creates the "serve" command that starts the bridge service.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Trestle bridge service",
		Long: `Start the Trestle bridge service.

The server will:
1. Load configuration from the specified file (or trestle.yaml)
2. Open the bridge store and per-user session directories
3. Start the stale-record reaper
4. Start the HTTP API with health checks and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  trestle serve

  # Start with custom config
  trestle serve --config /etc/trestle/production.yaml

  # Start with debug logging
  trestle serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic: configuration loading,
// service wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	logger.Info("starting trestle",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	st, err := store.NewSQLite(store.SQLiteConfig{Path: cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close error", "error", err)
		}
	}()

	sessions, err := matrix.NewSessionManager(cfg.Homeserver.SessionStorePath)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	factory, err := matrix.NewFactory(matrix.FactoryConfig{
		HomeserverURL: cfg.Homeserver.URL,
		AdminSecret:   cfg.Homeserver.AdminSecret,
	}, st, sessions, logger)
	if err != nil {
		return fmt.Errorf("matrix factory: %w", err)
	}

	bots := bridge.Bots{}
	for _, network := range []store.BridgeType{store.BridgeWhatsApp, store.BridgeSignal} {
		if bot := cfg.Bridges.Bot(string(network)); bot != "" {
			bots[network] = id.UserID(bot)
		}
	}

	clients := bridge.NewRegistry(bridge.RegistryConfig{
		RestartDelay: time.Duration(cfg.Sync.RestartDelay),
		ErrorBackoff: time.Duration(cfg.Sync.ErrorBackoff),
	}, logger, metrics)

	hub := bridge.NewHub()
	defer hub.Close()

	manager := bridge.NewManager(bridgeOptions(cfg, bots), st,
		func(ctx context.Context, userID int64) (bridge.Client, error) {
			return factory.Acquire(ctx, userID)
		},
		sessions, clients, hub, logger, metrics)
	defer manager.Close()

	reaper, err := bridge.NewReaper(bridge.ReaperConfig{
		Schedule: cfg.Reaper.Schedule,
		TTL:      time.Duration(cfg.Reaper.TTL),
	}, st, logger, metrics)
	if err != nil {
		return fmt.Errorf("reaper: %w", err)
	}

	authService := auth.NewService(authConfig(cfg))

	srv, err := server.New(&server.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Bridges:     manager,
		Hub:         hub,
		AuthService: authService,
		Gatherer:    registry,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	reaper.Start()
	if err := srv.Start(); err != nil {
		reaper.Stop()
		return err
	}

	logger.Info("trestle started",
		"http_addr", srv.Addr(),
		"networks", bots.Networks(),
		"auth_enabled", authService.Enabled(),
	)

	// Wait for a shutdown signal.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	reaper.Stop()

	// The deferred manager, hub, and store teardown runs last, in reverse
	// build order.
	return nil
}

// bridgeOptions maps the file configuration onto the bridge manager's
// option set.
func bridgeOptions(cfg *config.Config, bots bridge.Bots) bridge.Options {
	return bridge.Options{
		Bots: bots,
		Negotiation: bridge.NegotiatorConfig{
			InviteSyncTimeout:      time.Duration(cfg.Negotiation.InviteSyncTimeout),
			JoinPollAttempts:       cfg.Negotiation.JoinPollAttempts,
			JoinPollInterval:       time.Duration(cfg.Negotiation.JoinPollInterval),
			ArtifactPollIterations: cfg.Negotiation.ArtifactPollIterations,
			ArtifactSyncTimeout:    time.Duration(cfg.Negotiation.ArtifactSyncTimeout),
			ArtifactPollDelay:      time.Duration(cfg.Negotiation.ArtifactPollDelay),
		},
		Retry: bridge.RetryOptions{
			Attempts:    cfg.Negotiation.RetryAttempts,
			Delay:       time.Duration(cfg.Negotiation.RetryDelay),
			SettleDelay: time.Duration(cfg.Negotiation.StoreSettleDelay),
		},
		Monitor: bridge.MonitorConfig{
			Iterations:   cfg.Monitor.Iterations,
			SyncTimeout:  time.Duration(cfg.Monitor.SyncTimeout),
			PollInterval: time.Duration(cfg.Monitor.PollInterval),
			CommandDelay: time.Duration(cfg.Monitor.CommandDelay),
		},
		Resync: bridge.ResyncOptions{
			SyncStartDelay: time.Duration(cfg.Resync.SyncStartDelay),
			CommandDelay:   time.Duration(cfg.Resync.CommandDelay),
		},
		Disconnect: bridge.DisconnectorConfig{
			SyncStartDelay: time.Duration(cfg.Disconnect.SyncStartDelay),
			CommandDelay:   time.Duration(cfg.Disconnect.CommandDelay),
		},
		CleanupDelay: time.Duration(cfg.Negotiation.CleanupDelay),
	}
}

// authConfig maps the file configuration onto the auth service config.
func authConfig(cfg *config.Config) auth.Config {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.Auth.APIKeys))
	for _, key := range cfg.Auth.APIKeys {
		keys = append(keys, auth.APIKeyConfig{Key: key.Key, UserID: key.UserID})
	}
	return auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: time.Duration(cfg.Auth.TokenExpiry),
		APIKeys:     keys,
	}
}
