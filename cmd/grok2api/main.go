package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lanniny/grok2api/internal/config"
	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/media"
	"github.com/lanniny/grok2api/internal/pool"
	"github.com/lanniny/grok2api/internal/reconcile"
	"github.com/lanniny/grok2api/internal/relay"
	"github.com/lanniny/grok2api/internal/server"
	"github.com/lanniny/grok2api/internal/store"
	"github.com/lanniny/grok2api/internal/upstream"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "grok2api",
	Short: "grok2api - OpenAI-compatible gateway for grok.com",
	Long: `grok2api fronts grok.com's private conversational API with a stable
OpenAI-compatible surface: /v1/chat/completions, /v1/images/generations,
/v1/models, and an /images/ proxy for generated assets.

Requests are relayed through a pool of account credentials with
automatic rotation, cooldown, and quota tracking. A background
reconciler probes cooling credentials back to health.

Run without arguments to start serving.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

// serveCmd runs the gateway server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	Long: `Starts the HTTP server and the background reconciler.

The server reads its configuration from the file given by --config,
falling back to built-in defaults when the file does not exist. Edits
to the file are picked up live for logging settings; transport and
pool settings need a restart.`,
	RunE: runServe,
}

// statusCmd summarizes pool health and recent traffic
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credential pool status and recent requests",
	RunE:  showStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runServe wires the full pipeline and blocks until a signal arrives.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := logging.Initialize(cfg.DataDir, logging.Options{
		Enabled:    cfg.Logging.Enabled,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()
	if err := logging.InitAudit(); err != nil {
		logger.Warn("Audit log unavailable", zap.Error(err))
	}
	defer logging.CloseAudit()

	st, err := store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer st.Close()

	p := pool.New(st, pool.Options{
		RateLimitCooldown: cfg.GetRateLimitCooldown(),
		DefaultCooldown:   cfg.GetDefaultCooldown(),
		ExpireStatuses:    cfg.Pool.ExpireStatuses,
	})
	session := upstream.NewSession(upstream.Options{
		BaseURL:      cfg.Upstream.BaseURL,
		AssetBaseURL: cfg.Upstream.AssetBaseURL,
		UserAgent:    cfg.Upstream.UserAgent,
		CFClearance:  cfg.Upstream.CFClearance,
	})
	norm := &relay.Normalizer{
		BaseURL:      cfg.Server.BaseURL,
		ShowThinking: cfg.Relay.ShowThinking,
		FilteredTags: cfg.Relay.FilteredTags,
	}
	orch := relay.New(p, session, st, norm, relay.Options{
		MaxAttempts:      cfg.Relay.MaxAttempts,
		RetryStatusCodes: cfg.Relay.RetryStatusCodes,
		AutoUnrestricted: cfg.Relay.AutoUnrestricted,
		Temporary:        cfg.Relay.Temporary,
	})

	var cache *media.Cache
	if cfg.Media.Enabled {
		cache, err = media.NewCache(st, session, media.Options{
			Dir:                 cfg.MediaCacheDir(),
			PrefetchConcurrency: cfg.Media.PrefetchConcurrency,
		})
		if err != nil {
			return fmt.Errorf("failed to create media cache: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sched *reconcile.Scheduler
	if cfg.Reconcile.Enabled {
		rec := reconcile.New(st, p, session, reconcile.Options{
			ProbeDelay: cfg.GetProbeDelay(),
			Retention:  cfg.GetRetention(),
		})
		sched = reconcile.NewScheduler(rec, cfg.GetReconcileInterval())
		sched.Start(ctx)
	}

	srv := server.New(orch, cache, server.Options{
		Addr:          cfg.ListenAddr(),
		APIKey:        cfg.Auth.APIKey,
		BaseURL:       cfg.Server.BaseURL,
		MaxConcurrent: cfg.Server.MaxConcurrent,
	})

	// Live-reload logging settings on config edits. Everything else
	// is wired at startup and needs a restart.
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		logging.Reconfigure(logging.Options{
			Enabled:    next.Logging.Enabled,
			Level:      next.Logging.Level,
			Categories: next.Logging.Categories,
			JSONFormat: next.Logging.JSONFormat,
		})
		logger.Info("Configuration reloaded", zap.String("path", configPath))
	})
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("Config watcher failed to start", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Info("grok2api started",
		zap.String("addr", cfg.ListenAddr()),
		zap.String("data_dir", cfg.DataDir))

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Background toggles abandoned", zap.Error(err))
	}
	if sched != nil {
		// Cancel first so an in-flight sweep is abandoned instead of
		// holding up the exit.
		cancel()
		sched.Stop()
	}

	logger.Info("grok2api stopped")
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := pool.New(st, pool.Options{})
	stats, err := p.GetStats(ctx)
	if err != nil {
		return err
	}

	fmt.Println("grok2api Credential Pool")
	fmt.Println("========================")
	fmt.Printf("Total:   %d\n", stats.Total)
	fmt.Printf("Active:  %d\n", stats.Active)
	fmt.Printf("Cooling: %d\n", stats.Cooling)
	fmt.Printf("Expired: %d\n", stats.Expired)
	fmt.Println()

	logs, err := st.RequestLogs(ctx, 10)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		fmt.Println("No requests recorded yet.")
		return nil
	}
	fmt.Println("Recent requests:")
	for _, rec := range logs {
		outcome := "ok"
		if rec.Error != "" {
			outcome = rec.Error
		}
		fmt.Printf("  %s  %-16s %3d  %6dms  %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			rec.Model, rec.StatusCode, rec.Duration.Milliseconds(), outcome)
	}
	return nil
}

// loadConfig loads and validates the configuration file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens the SQLite store at the configured path.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return store.NewSQLiteStore(cfg.DatabasePath())
}
