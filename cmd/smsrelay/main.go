package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smsrelay/internal/config"
	"smsrelay/internal/constants"
	"smsrelay/internal/database"
	"smsrelay/internal/forward"
	"smsrelay/internal/kvstore"
	"smsrelay/internal/models"
	"smsrelay/internal/queue"
	"smsrelay/internal/retry"
	"smsrelay/internal/service"
	"smsrelay/internal/tracing"
	"smsrelay/pkg/circuitbreaker"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes message content and sender numbers)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	envFile    = flag.String("env", ".env", "Optional dotenv file loaded before the configuration")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("smsrelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	// a missing .env is fine; real environment variables still apply
	_ = godotenv.Load(*envFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *verbose); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

// settingsStore holds credentials and the last forward status
type settingsStore interface {
	forward.CredentialStore
	forward.StatusStore
	SeedCredentials(ctx context.Context, creds models.Credentials) (bool, error)
	Ping(ctx context.Context) error
}

func run(ctx context.Context, configPath string, verbose bool) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting smsrelay")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	configureLogLevel(logger, cfg.LogLevel, verbose)

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	settings, closeSettings, err := openSettingsStore(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSettings(); err != nil {
			logger.WithError(err).Warn("Failed to close settings store")
		}
	}()

	seeded, err := settings.SeedCredentials(ctx, models.Credentials{
		ServerBaseURL: cfg.Forward.ServerBaseURL,
		BearerToken:   cfg.Forward.BearerToken,
		LegacySecret:  cfg.Forward.LegacySecret,
		UseHMACOnly:   cfg.Forward.UseHMACOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to seed credentials: %w", err)
	}
	if seeded {
		logger.Info("Seeded forwarding credentials from configuration")
	}

	var dispatcherOpts []forward.Option
	if cfg.Breaker.Enabled {
		breaker := circuitbreaker.NewWithLogger(
			constants.ForwardCircuitBreakerName,
			uint32(cfg.Breaker.MaxFailures),
			time.Duration(cfg.Breaker.TimeoutSec)*time.Second,
			logger,
		)
		dispatcherOpts = append(dispatcherOpts, forward.WithCircuitBreaker(breaker))
	}
	dispatcher := forward.NewDispatcher(settings, forward.Config{
		ConnectTimeout: time.Duration(cfg.Forward.ConnectTimeoutSec) * time.Second,
		ReadTimeout:    time.Duration(cfg.Forward.ReadTimeoutSec) * time.Second,
		MaxErrorBody:   constants.MaxErrorBodyBytes,
	}, logger, dispatcherOpts...)

	var network queue.NetworkMonitor
	if cfg.Queue.NetworkProbeAddr != "" {
		network = queue.NewDialMonitor(
			cfg.Queue.NetworkProbeAddr,
			time.Duration(cfg.Queue.NetworkTimeoutSec)*time.Second,
			time.Duration(cfg.Queue.NetworkCheckSec)*time.Second,
			logger,
		)
	}

	backoffBase := time.Duration(cfg.Queue.BackoffBaseSec) * time.Second
	taskQueue := queue.New(db, dispatcher, network, queue.Config{
		Workers:            cfg.Queue.Workers,
		PollInterval:       time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		DefaultBackoffBase: backoffBase,
		MaxBackoff:         time.Duration(cfg.Queue.MaxBackoffSec) * time.Second,
		MaxAttempts:        cfg.Queue.MaxAttempts,
	}, logger)
	if err := taskQueue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task queue: %w", err)
	}
	defer taskQueue.Stop()

	listener := service.NewIngestListener(settings, taskQueue, backoffBase, logger)
	relay := service.NewRelay(settings, settings, taskQueue, backoffBase, logger)

	scheduler := service.NewScheduler(taskQueue, cfg.RetentionDays, cfg.Server.CleanupIntervalHours, logger)
	go scheduler.Start(ctx)

	monitor := service.NewDeliveryMonitor(taskQueue,
		time.Duration(constants.DefaultMonitorIntervalSec)*time.Second,
		constants.DefaultBacklogWarnCount,
		logger,
	)
	go monitor.Start(ctx)

	watcher := config.NewConfigWatcher(configPath, logger)
	watcher.OnConfigChange(func(newCfg *models.Config) {
		configureLogLevel(logger, newCfg.LogLevel, verbose)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	health := map[string]HealthChecker{"database": db}
	if cfg.Settings.Backend == "redis" {
		health["settings"] = settings
	}

	server := NewServer(cfg.Server.Address, ServerDeps{
		Relay:       relay,
		Tasks:       taskQueue,
		Listener:    listener,
		Credentials: settings,
		Health:      health,
	}, verbose, logger)

	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

// configureLogLevel applies the configured level. Debug output carries
// request details, so it requires the verbose flag.
func configureLogLevel(logger *logrus.Logger, configured string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - message content will be logged")
		return
	}
	if configured == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}

	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if level > logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// openDatabase opens the sqlite store, retrying while the file is locked by
// a previous instance that is still shutting down.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

// openSettingsStore returns the configured credential and status backend
func openSettingsStore(ctx context.Context, cfg *models.Config, db *database.Database, logger *logrus.Logger) (settingsStore, func() error, error) {
	if cfg.Settings.Backend != "redis" {
		return db, func() error { return nil }, nil
	}

	store := kvstore.New(kvstore.NewClient(cfg.Settings), cfg.Settings.KeyPrefix)
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis settings store: %w", err)
	}

	logger.WithField("address", cfg.Settings.RedisAddress).Info("Using redis settings store")
	return store, store.Close, nil
}
