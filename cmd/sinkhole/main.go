package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sinkhole/pkg/audit"
	"sinkhole/pkg/blackhole"
	"sinkhole/pkg/blocklist"
	"sinkhole/pkg/config"
	"sinkhole/pkg/dns"
	"sinkhole/pkg/forwarder"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/storage"
	"sinkhole/pkg/telemetry"
)

var (
	configPath = flag.String("config", "config.yml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("Sinkhole DNS starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx := context.Background()
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Blackhole reply policy is fixed for the lifetime of the process
	policy, err := blackhole.NewPolicy(&cfg.Blackhole)
	if err != nil {
		logger.Error("Invalid blackhole reply policy", "error", err)
		os.Exit(1)
	}

	// Blocklist manager; a failed initial load is fatal because serving
	// without a policy would be undefined behavior
	manager := blocklist.NewManager(cfg, logger, metrics)
	if err := manager.Start(ctx); err != nil {
		logger.Error("Failed to start blocklist manager", "error", err)
		os.Exit(1)
	}
	defer manager.Stop()

	// Config file watcher; blocklist edits apply live, listener and storage
	// changes still need a restart
	watcher, err := config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		logger.Warn("Config file watching disabled", "error", err)
	} else {
		watcher.OnChange(func(_ *config.Config) {
			logger.Info("Configuration changed, reloading blocklist")
			if err := manager.Load(ctx); err != nil {
				logger.Error("Blocklist reload after config change failed", "error", err)
			}
		})
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.Error("Config watcher stopped", "error", err)
			}
		}()
		defer func() { _ = watcher.Close() }()
	}

	// Audit event store and pipeline
	var auditLogger *audit.Logger
	if cfg.Storage.Enabled {
		store, storeErr := storage.NewSQLiteStore(&cfg.Storage, metrics)
		if storeErr != nil {
			logger.Error("Failed to open audit store", "error", storeErr)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		auditLogger = audit.NewLogger(store, logger, cfg.Audit.BufferSize, cfg.Audit.Workers)
		defer func() { _ = auditLogger.Close() }()

		go runRetention(ctx, store, cfg.Storage.RetentionDays, logger)
	}

	handler := dns.NewHandler()
	handler.SetInterceptor(blackhole.NewInterceptor(manager, logger))
	handler.SetSynthesizer(blackhole.NewSynthesizer(policy))
	handler.SetForwarder(forwarder.New(cfg, logger))
	handler.SetMetrics(metrics)
	handler.SetLogger(logger)
	if auditLogger != nil {
		handler.SetAudit(auditLogger)
	}

	server := dns.NewServer(cfg, handler, logger, metrics)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(serverCtx); err != nil {
			errChan <- err
		}
	}()

	logger.Info("Sinkhole DNS server is running",
		"address", cfg.Server.ListenAddress,
		"upstreams", cfg.UpstreamDNSServers,
		"reply_ipv4", cfg.Blackhole.ReplyIPv4,
		"reply_ipv6", cfg.Blackhole.ReplyIPv6,
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
		serverCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", "error", err)
		}

		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}

		logger.Info("Sinkhole DNS stopped")

	case err := <-errChan:
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}

// runRetention prunes audit events past the retention window once a day
func runRetention(ctx context.Context, store storage.Store, retentionDays int, logger *logging.Logger) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			if err := store.Cleanup(ctx, cutoff); err != nil {
				logger.Error("Audit retention cleanup failed", "error", err)
			} else {
				logger.Info("Audit retention cleanup completed", "cutoff", cutoff)
			}
		}
	}
}
