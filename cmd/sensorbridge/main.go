// Sensorbridge buffers sensor samples in a local SQLite store and
// reconciles them bidirectionally with the sensor cloud, enforcing
// per-sensor retention and upload/download policy.
//
// Usage:
//
//	sensorbridge daemon [--config <path>] [--verbose]   # periodic sync loop
//	sensorbridge sync-once [--config <path>]            # single pass then exit
//	sensorbridge status                                 # show config & store state
//	sensorbridge version                                # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sensorbridge/internal/config"
	"sensorbridge/internal/engine"
	"sensorbridge/internal/facade"
	"sensorbridge/internal/profile"
	"sensorbridge/internal/remote"
	sigpool "sensorbridge/internal/signal"
	"sensorbridge/internal/store"
	"sensorbridge/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "status":
		return runStatus()
	case "version":
		fmt.Println("sensorbridge", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'sensorbridge' for usage", cmd)
	}
}

func printUsage() error {
	fmt.Fprintln(os.Stderr, "sensorbridge — buffer sensor samples locally and sync them with the sensor cloud")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  sensorbridge daemon [--config ...]     Run the periodic sync loop")
	fmt.Fprintln(os.Stderr, "  sensorbridge sync-once [--config ...]  Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  sensorbridge status                    Show config & store state")
	fmt.Fprintln(os.Stderr, "  sensorbridge version                   Print version")
	os.Exit(1)
	return nil // unreachable
}

// runSync handles both "daemon" and "sync-once" subcommands.
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return startSync(*cfgPath, *verbose, daemon)
}

// runStatus prints the current configuration and store state.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()

	fmt.Println("Sensorbridge Status")
	fmt.Println("───────────────────")

	dbPath := ""
	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, loadErr := config.Load(cfgPath); loadErr == nil {
			fmt.Printf("  Config:     %s ✓\n", cfgPath)
			fmt.Printf("  Source:     %s\n", cfg.SourceName)
			fmt.Printf("  Staging:    %v\n", cfg.Staging)
			fmt.Printf("  Poll:       %s\n", cfg.PollInterval)
			fmt.Printf("  Retention:  %s\n", cfg.PersistPeriod)
			dbPath = cfg.DBPath
		} else {
			fmt.Printf("  Config:     %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:     not found (%s)\n", cfgPath)
	}

	if dbPath == "" {
		dbPath, _ = config.DefaultDBPath()
	}
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  Store:      %s (%s)\n", dbPath, humanSize(info.Size()))
	} else {
		fmt.Printf("  Store:      not found\n")
	}

	return nil
}

// startSync is the shared implementation for daemon and sync-once modes.
func startSync(cfgPath string, verbose, daemon bool) error {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"source", cfg.SourceName,
		"staging", cfg.Staging,
		"poll_interval", cfg.PollInterval,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Remote client and registry ------------------------------------------

	client := remote.NewClient(remote.Config{
		AppKey:  cfg.ApplicationKey,
		Staging: cfg.Staging,
		BaseURL: cfg.BaseURL,
	}, cfg.SessionToken, nil, logger)
	registry := profile.NewRegistry(client, nil, logger)

	// --- Local store ----------------------------------------------------------

	st, err := store.Open(cfg.DBPath, cfg.UserID, registry)
	if err != nil {
		return fmt.Errorf("opening store at %q: %w", cfg.DBPath, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing store", "error", closeErr)
		}
	}()
	logger.Info("store opened", "path", cfg.DBPath)

	// --- Engine and facade ----------------------------------------------------

	eng := engine.New(st, client, registry, cfg.SourceName, logger)

	pool := sigpool.NewPool(4, 16)
	defer pool.Close()

	// Credentials are static in CLI mode, so the build function hands back
	// the one engine and registry built above.
	build := func(facade.Credentials, facade.Options) (facade.SyncEngine, facade.Validator, error) {
		return eng, registry, nil
	}
	f := facade.New(st, build, pool, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := f.SetOptions(ctx, facade.Options{
		Staging:       cfg.Staging,
		BaseURL:       cfg.BaseURL,
		PersistPeriod: cfg.PersistPeriod,
	}); err != nil {
		return err
	}
	if err := f.SetCredentials(ctx, facade.Credentials{
		SessionToken: cfg.SessionToken,
		UserID:       cfg.UserID,
		AppKey:       cfg.ApplicationKey,
	}); err != nil {
		return err
	}

	logger.Info("waiting for initial sync")
	if err := f.OnReady().Wait(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	if !daemon {
		logger.Info("sync complete")
		return nil
	}

	// --- Daemon loop -----------------------------------------------------------

	logger.Info("daemon started", "poll_interval", cfg.PollInterval)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-ticker.C:
			if _, err := f.Sync(ctx); err != nil {
				// No internal retry: the next tick is the retry.
				logger.Error("sync pass failed", "error", err)
			}
		}
	}
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
