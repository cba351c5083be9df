package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telenode/internal/api"
	"telenode/internal/auth"
	"telenode/internal/clock"
	"telenode/internal/config"
	"telenode/internal/dispatcher"
	"telenode/internal/manager"
	"telenode/internal/repository"
	"telenode/internal/transport"
	"telenode/pkg/plugin"

	// Statically linked plugin units register themselves from init()
	_ "telenode/internal/plugins/antispam"
	_ "telenode/internal/plugins/echo"
	_ "telenode/internal/plugins/help"
	_ "telenode/internal/plugins/hello"
	_ "telenode/internal/plugins/master"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	snapshotInterval   = time.Minute
	selectionPollEvery = 2 * time.Second
	shutdownTimeout    = 15 * time.Second
)

func main() {
	// Load environment variables
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Bot stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.GatewayURL == "" {
		return fmt.Errorf("GATEWAY_URL environment variable must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewRealClock()

	logger.Info("Starting bot",
		zap.String("env", cfg.Env),
		zap.String("gateway", cfg.GatewayURL),
		zap.Int("root_users", len(cfg.Sudoers)),
		zap.Strings("registered_plugins", plugin.Names()))

	// Repository
	store, err := openStore(cfg, clk)
	if err != nil {
		return err
	}

	// Authorization layer
	authSvc := auth.New(store, auth.Options{
		RootUsers: cfg.Sudoers,
		TTL:       cfg.Cache.TTL,
		MaxSize:   cfg.Cache.MaxSize,
		Clock:     clk,
		Logger:    logger,
	})
	authSvc.Start()
	defer authSvc.Stop()

	// Transport
	gateway := transport.NewGateway(cfg.GatewayURL, cfg.BotToken, logger)
	if err := gateway.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	defer gateway.Disconnect()

	if me, err := gateway.GetMe(ctx); err != nil {
		logger.Warn("Failed to fetch bot identity", zap.Error(err))
	} else {
		logger.Info("Connected to gateway", zap.Int64("bot_id", me.ID), zap.String("username", me.Username))
	}

	// Event bus
	bus := dispatcher.New(dispatcher.Options{Workers: cfg.DispatchWorkers, Logger: logger})
	if err := bus.RegisterProxy("provision", provisioner(authSvc, logger)); err != nil {
		return err
	}
	bus.Attach(ctx, gateway)
	defer bus.Detach()

	// Plugin lifecycle
	mgr := manager.New(manager.Options{
		Store:     store,
		Bus:       bus,
		Transport: gateway,
		Auth:      authSvc,
		Instance: plugin.Options{
			Timeout:         cfg.HandlerTimeout,
			RateLimitWindow: cfg.RateLimit.Window,
			RateLimitMax:    cfg.RateLimit.Max,
		},
		Clock:  clk,
		Logger: logger,
	})

	report, err := mgr.LoadAll(ctx)
	if err != nil {
		// One bad unit never stops the others from loading
		logger.Warn("Some plugins failed to load", zap.Strings("failed", report.Failed), zap.Error(err))
	}

	watcher, err := config.NewSelectionWatcher(cfg.PluginsFile, selectionPollEvery, logger, func(sel config.PluginSelection) {
		if err := mgr.ApplySelection(ctx, sel); err != nil {
			logger.Warn("Plugin selection partially applied", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		logger.Warn("Plugin selection watcher not running", zap.Error(err))
	}
	defer watcher.Stop()

	// Status API
	server := api.NewServer(api.Sources{
		Plugins:    mgr,
		Auth:       authSvc,
		Dispatcher: bus,
		Transport:  gateway,
	}, logger, cfg.Port)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	if cfg.StoreFile != "" {
		snapshots := clock.Every(clk, snapshotInterval, func() { saveStore(store, cfg.StoreFile, logger) })
		defer snapshots.Stop()
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Bot running. Press Ctrl+C to exit.", zap.Strings("active_plugins", mgr.Active()))

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	bus.Detach()
	drained := make(chan struct{})
	go func() {
		gateway.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("Updates still in flight at shutdown")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Errors while stopping plugins", zap.Error(err))
	}
	if cfg.StoreFile != "" {
		saveStore(store, cfg.StoreFile, logger)
	}
	return nil
}

func openStore(cfg *config.Config, clk clock.Clock) (*repository.Store, error) {
	if cfg.StoreFile == "" {
		return repository.NewMemoryStore(clk), nil
	}
	return repository.LoadStore(cfg.StoreFile, clk)
}

func saveStore(store *repository.Store, path string, logger *zap.Logger) {
	if err := store.Save(path); err != nil {
		logger.Error("Failed to save store snapshot", zap.String("path", path), zap.Error(err))
	}
}

// provisioner records the profile of every sender before plugins run
func provisioner(svc *auth.Service, logger *zap.Logger) dispatcher.ProxyFunc {
	return func(ctx context.Context, kind transport.Kind, u *transport.Update) (*transport.Update, error) {
		from := u.Sender()
		if from == nil {
			return nil, nil
		}
		err := svc.Provision(ctx, repository.User{
			ID:        from.ID,
			Username:  from.Username,
			FirstName: from.FirstName,
			LastName:  from.LastName,
			IsBot:     from.IsBot,
		})
		if err != nil {
			logger.Warn("Failed to provision user", zap.Int64("user_id", from.ID), zap.Error(err))
		}
		return nil, nil
	}
}
