package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smartguard/pkg/api"
	"smartguard/pkg/classifier"
	"smartguard/pkg/config"
	"smartguard/pkg/forwarder"
	"smartguard/pkg/logging"
	"smartguard/pkg/relay"
	"smartguard/pkg/storage"
	"smartguard/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "report" {
		if err := runReport(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "report failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.yml", "Path to configuration file")
	watch := flag.Bool("watch", true, "Reload hot-reloadable settings when the config file changes")
	flag.Parse()

	if err := run(*configPath, *watch); err != nil {
		fmt.Fprintf(os.Stderr, "smartguard: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("SmartGuard starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.ServiceVersion = version
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	store, err := storage.New(&cfg.Storage, metrics)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	var service classifier.Service
	if cfg.Classification.Enabled {
		service = classifier.NewOllama(&cfg.Classification, logger)
	}
	cls, err := classifier.New(&cfg.Classification, service, store, logger, metrics)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}

	var queue *classifier.Queue
	opts := []relay.Option{
		relay.WithStorage(store),
		relay.WithMetrics(metrics),
		relay.WithLogUnparsed(cfg.Storage.LogUnparsed),
	}
	if cfg.Classification.Enabled {
		queue = classifier.NewQueue(cls, cfg.Classification.Workers, cfg.Classification.QueueSize, logger)
		opts = append(opts, relay.WithClassifier(cls, queue))
	} else {
		opts = append(opts, relay.WithClassifier(cls, nil))
	}

	fwd := forwarder.New(&cfg.Upstream, logger)
	engine := relay.New(cfg.Server, fwd, logger, opts...)

	// Bind failure is the only fatal runtime condition
	if err := engine.Listen(); err != nil {
		if queue != nil {
			queue.Close()
		}
		_ = cls.Close()
		_ = store.Close()
		return err
	}

	if watch {
		startWatcher(ctx, configPath, logger, fwd, cls)
	}
	go runRetention(ctx, store, cfg.Storage.RetentionDays, logger)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.New(&api.Config{
			ListenAddress: cfg.API.ListenAddress,
			Storage:       store,
			Logger:        logger.Logger,
			Version:       version,
		})
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- engine.Serve(ctx) }()

	logger.Info("SmartGuard relay is running",
		"address", engine.Addr().String(),
		"upstream", fwd.Upstream(),
		"classification", cfg.Classification.Enabled,
	)

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("Relay stopped unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := engine.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("relay shutdown: %w", err))
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}
	if queue != nil {
		queue.Close()
	}
	if err := cls.Close(); err != nil {
		errs = append(errs, fmt.Errorf("classifier shutdown: %w", err))
	}
	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage shutdown: %w", err))
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("Errors during shutdown", "error", err)
		return err
	}
	logger.Info("SmartGuard stopped")
	return nil
}

// startWatcher applies the hot-reloadable settings on config file changes.
func startWatcher(ctx context.Context, path string, logger *logging.Logger, fwd *forwarder.Forwarder, cls *classifier.Classifier) {
	watcher, err := config.NewWatcher(path, logger.Logger)
	if err != nil {
		logger.Warn("Config hot-reload disabled", "error", err)
		return
	}

	watcher.OnChange(func(old, updated *config.Config) {
		if old.Upstream.Timeout != updated.Upstream.Timeout {
			fwd.SetTimeout(updated.Upstream.Timeout)
			logger.Info("Upstream timeout updated", "timeout", fwd.Timeout())
		}
		if old.Classification.CacheTTL != updated.Classification.CacheTTL {
			cls.SetTTL(updated.Classification.CacheTTL)
			logger.Info("Classification cache TTL updated", "ttl", cls.TTL())
		}
		if old.Logging.Level != updated.Logging.Level {
			logger.SetLevel(updated.Logging.Level)
			logger.Info("Log level updated", "level", updated.Logging.Level)
		}
	})

	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Config watcher stopped", "error", err)
		}
	}()
}

// runRetention deletes events older than the retention window once an hour.
func runRetention(ctx context.Context, store storage.Storage, days int, logger *logging.Logger) {
	if days <= 0 {
		return
	}
	retention := time.Duration(days) * 24 * time.Hour

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			cleanupCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := store.Cleanup(cleanupCtx, cutoff); err != nil {
				logger.Error("Retention cleanup failed", "error", err)
			} else {
				logger.Debug("Retention cleanup complete", "cutoff", cutoff)
			}
			cancel()
		}
	}
}
