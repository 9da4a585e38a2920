// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

// gleanerd is the Gleaner daemon: the composition root that owns the
// quota ledger, the session lifecycle manager, the sync scheduler,
// the snapshot archive compactor, and the control socket the CLI and
// dashboard talk to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gleaner-foundation/gleaner/alert"
	"github.com/gleaner-foundation/gleaner/archive"
	"github.com/gleaner-foundation/gleaner/cadence"
	"github.com/gleaner-foundation/gleaner/lib/clock"
	"github.com/gleaner-foundation/gleaner/lib/config"
	"github.com/gleaner-foundation/gleaner/lib/control"
	"github.com/gleaner-foundation/gleaner/lib/sealed"
	"github.com/gleaner-foundation/gleaner/lib/version"
	"github.com/gleaner-foundation/gleaner/lifecycle"
	"github.com/gleaner-foundation/gleaner/provision"
	"github.com/gleaner-foundation/gleaner/quota"
	"github.com/gleaner-foundation/gleaner/quotasync"
	"github.com/gleaner-foundation/gleaner/scrape"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		seed        int64
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to gleaner.yaml (overrides GLEANER_CONFIG)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Int64Var(&seed, "seed", 0, "randomizer seed (0 seeds from the clock; set for reproducible runs)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("gleanerd %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid -log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policies, err := loadPolicies(cfg, logger)
	if err != nil {
		return err
	}

	if err := ensureDaemonKey(cfg.DaemonKeyPath(), logger); err != nil {
		return err
	}

	store, err := quota.OpenStore(quota.StoreConfig{
		Path:   cfg.LedgerPath(),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	randomizer := cadence.New(seed)

	// Alert plumbing: everything lands in the history ring and the
	// log; webhook delivery, when configured, is pushed off the hot
	// path through the async queue so a slow endpoint never delays a
	// forced stop.
	history := alert.NewHistory(cfg.Alerts.HistorySize)
	sinks := []alert.Sink{history, alert.NewLogSink(logger)}
	var asyncWebhook *alert.AsyncSink
	if cfg.Alerts.WebhookURL != "" {
		webhook := alert.NewWebhookSink(cfg.Alerts.WebhookURL, http.DefaultClient, logger)
		asyncWebhook = alert.NewAsyncSink(webhook, cfg.Alerts.HistorySize, logger)
		sinks = append(sinks, asyncWebhook)
	}
	alertSink := alert.NewFanoutSink(sinks...)

	ledger, err := quota.NewLedger(quota.LedgerConfig{
		Store:      store,
		Policies:   policies,
		Randomizer: randomizer,
		Alerts:     alertSink,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	vault, err := scrape.OpenVault(cfg.VaultPath(), cfg.DaemonKeyPath())
	if err != nil {
		return err
	}
	defer vault.Close()

	scraper, err := scrape.NewHTTPScraper(scrape.HTTPConfig{
		BaseURL:     cfg.Agent.URL,
		Vault:       vault,
		CallTimeout: time.Duration(cfg.Sync.ScrapeTimeout),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	provisioner, err := provision.NewHTTPProvisioner(provision.HTTPConfig{
		BaseURL: cfg.Agent.URL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	manager, err := lifecycle.NewManager(lifecycle.Config{
		Ledger:      ledger,
		Provisioner: provisioner,
		Randomizer:  randomizer,
		Alerts:      alertSink,
		Logger:      logger,
		Retry: provision.Policy{
			MaxRetries:   cfg.Retry.MaxRetries,
			BaseDelay:    time.Duration(cfg.Retry.BaseDelay),
			MaxDelay:     time.Duration(cfg.Retry.MaxDelay),
			Multiplier:   cfg.Retry.Multiplier,
			JitterFactor: cfg.Retry.JitterFactor,
		},
		Breaker: provision.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeout),
		},
		Seed:              seed,
		HeartbeatInterval: time.Duration(cfg.Lifecycle.HeartbeatInterval),
		IdleTimeout:       time.Duration(cfg.Lifecycle.IdleTimeout),
		StopGracePeriod:   time.Duration(cfg.Lifecycle.StopGracePeriod),
		WatchdogDir:       filepath.Join(cfg.Paths.Data, "provisioning"),
	})
	if err != nil {
		return err
	}

	trigger, err := quotasync.NewTrigger(clock.Real(), time.Duration(cfg.Sync.Interval), cfg.Sync.Schedule)
	if err != nil {
		return err
	}
	scheduler, err := quotasync.NewScheduler(quotasync.Config{
		Ledger:        ledger,
		Scraper:       scraper,
		Trigger:       trigger,
		Evaluator:     manager,
		Logger:        logger,
		ScrapeTimeout: time.Duration(cfg.Sync.ScrapeTimeout),
		Concurrency:   cfg.Sync.Concurrency,
	})
	if err != nil {
		return err
	}

	var compactor *archive.Compactor
	var archiveKeys *archive.KeySet
	if cfg.Archive.Enabled {
		archiveKeys, err = loadOrGenerateArchiveKey(cfg.Paths.KeyFile, logger)
		if err != nil {
			return err
		}
		defer archiveKeys.Close()

		compactor, err = archive.NewCompactor(archive.Config{
			Store:       store,
			Keys:        archiveKeys,
			Dir:         cfg.Paths.Archives,
			Schedule:    cfg.Archive.Schedule,
			Retention:   time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour,
			Compression: cfg.Archive.Compression,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
	}

	daemon := &daemon{
		config:      cfg,
		ledger:      ledger,
		manager:     manager,
		scheduler:   scheduler,
		vault:       vault,
		history:     history,
		archiveKeys: archiveKeys,
		policies:    policies,
		startedAt:   time.Now(),
		logger:      logger,
	}

	socketServer := control.NewSocketServer(cfg.Paths.Socket, logger)
	daemon.registerActions(socketServer)

	// Every long-running component gets its own goroutine; the first
	// hard failure cancels the rest through runCtx.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	components := 3
	if compactor != nil {
		components = 4
	}
	errs := make(chan error, components)
	go func() { errs <- runComponent("control socket", socketServer.Serve(runCtx)) }()
	go func() { errs <- runComponent("lifecycle manager", manager.Run(runCtx)) }()
	go func() { errs <- runComponent("sync scheduler", scheduler.Run(runCtx)) }()
	if compactor != nil {
		go func() { errs <- runComponent("archive compactor", compactor.Run(runCtx)) }()
	}

	logger.Info("gleanerd running",
		"socket", cfg.Paths.Socket,
		"data", cfg.Paths.Data,
		"providers", len(policies),
		"workers", len(ledger.Workers()),
	)

	// Block until a signal arrives or a component exits on its own.
	var firstErr error
	remaining := components
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case firstErr = <-errs:
		remaining--
		if firstErr != nil {
			logger.Error("component failed, shutting down", "error", firstErr)
		}
	}
	cancel()

	// Drain the remaining component exits so their goroutines finish
	// before the deferred closes run.
	for ; remaining > 0; remaining-- {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if asyncWebhook != nil {
		asyncWebhook.Close()
	}
	return firstErr
}

// runComponent normalizes a component's exit: context cancellation is
// a clean shutdown, anything else is a failure tagged with the
// component name.
func runComponent(name string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// loadConfig loads from the -config flag when set, otherwise from
// GLEANER_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// loadPolicies reads the provider policy file, falling back to the
// built-in kaggle/colab defaults when no file exists yet. A present
// but malformed file is a hard error: silently running with defaults
// against tuned limits is exactly the kind of drift the ledger exists
// to prevent.
func loadPolicies(cfg *config.Config, logger *slog.Logger) (map[string]quota.Policy, error) {
	policies, err := quota.LoadPolicies(cfg.Paths.Providers)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("no provider policy file, using built-in defaults",
				"path", cfg.Paths.Providers)
			return quota.DefaultPolicies(), nil
		}
		return nil, err
	}
	logger.Info("provider policies loaded",
		"path", cfg.Paths.Providers,
		"providers", len(policies))
	return policies, nil
}

// ensureDaemonKey generates the daemon's age identity on first start.
// Credentials and archives are sealed to this key; it never leaves
// the data directory.
func ensureDaemonKey(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking daemon key: %w", err)
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()

	if err := os.WriteFile(path, keypair.PrivateKey.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing daemon key: %w", err)
	}
	logger.Info("generated daemon identity", "path", path, "recipient", keypair.PublicKey)
	return nil
}

// loadOrGenerateArchiveKey loads the archive master key, creating it
// on first start.
func loadOrGenerateArchiveKey(path string, logger *slog.Logger) (*archive.KeySet, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := archive.GenerateKey(path); err != nil {
			return nil, err
		}
		logger.Info("generated archive master key", "path", path)
	} else if err != nil {
		return nil, fmt.Errorf("checking archive key: %w", err)
	}
	return archive.LoadKey(path)
}
