// Command forge is the FORGE control plane CLI: a thin cobra command tree
// around the core components, following cmd/gb's group/subcommand shape —
// `forge serve` runs the supervision loop, `forge discover` re-attaches to
// pre-existing tmux sessions, `forge update` drives the self-update staging
// flow.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"forge/internal/config"
	"forge/internal/datamanager"
	"forge/internal/logging"
	"forge/internal/metrics"
	"forge/internal/selfupdate"
	"forge/internal/supervisor"
)

var (
	version = "dev"
	commit  = "unknown"
)

var workspaceFlag string

var rootCmd = &cobra.Command{
	Use:   "forge <command>",
	Short: "FORGE control plane — supervises a fleet of long-running AI coding workers",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workspaceFlag, "workspace", ".", "workspace directory (.beads, status/, logs/ live under this)")
	rootCmd.AddCommand(serveCmd, discoverCmd, updateCmd)
}

// updater is shared by main (which runs the startup check ahead of every
// subcommand, since a just-re-exec'd process needs to complete its pending
// install no matter which subcommand it was launched into) and serveCmd
// (which clears the crash marker once it reaches a healthy running state).
var updater *selfupdate.Updater

func main() {
	cfg := config.Parse()
	installPath, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolving install path:", err)
		os.Exit(1)
	}
	updater = selfupdate.New(cfg.Root, installPath)
	if _, err := updater.CheckStartup(); err != nil {
		fmt.Fprintln(os.Stderr, "self-update startup check:", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervision loop: route beads, spawn/monitor workers, alert on failure",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Parse()
		logger := logging.New(cfg.LogLevel, cfg.LogFormat)

		mux := supervisor.NewTmuxMultiplexer("tmux")
		dm, err := datamanager.New(cfg, logger, mux, workspaceFlag)
		if err != nil {
			return fmt.Errorf("building data manager: %w", err)
		}
		defer dm.Ledger().Close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer cancel()

		if err := dm.Start(ctx); err != nil {
			return fmt.Errorf("starting data manager: %w", err)
		}
		defer dm.Stop()

		healthSrv := startHealthServer(logger, cfg)
		defer shutdownHealthServer(ctx, logger, healthSrv)

		if err := updater.FinishStartup(); err != nil {
			logger.Warn("finishing startup (clearing crash marker) failed", "error", err)
		}

		interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Info("forge serve ready", "workspace", workspaceFlag, "check_interval", interval)
		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			case <-ticker.C:
				if _, err := dm.Tick(ctx); err != nil {
					logger.Error("tick failed", "error", err)
				}
			}
		}
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Re-attach to pre-existing tmux worker sessions and print what was found",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Parse()
		logger := logging.New(cfg.LogLevel, cfg.LogFormat)
		mux := supervisor.NewTmuxMultiplexer("tmux")
		sup, err := supervisor.New(mux, cfg.SessionPattern, logger)
		if err != nil {
			return fmt.Errorf("building supervisor: %w", err)
		}
		handles, err := sup.Discover(cmd.Context())
		if err != nil {
			return fmt.Errorf("discovering workers: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(handles)
	},
}

var updateSourceURL string

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Stage a new FORGE binary from a source URL and re-exec into it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Parse()
		logger := logging.New(cfg.LogLevel, cfg.LogFormat)

		sourceURL := updateSourceURL
		if sourceURL == "" {
			sourceURL = cfg.UpdateSourceURL
		}
		if sourceURL == "" {
			return fmt.Errorf("no update source URL given (pass --source or set FORGE_UPDATE_SOURCE_URL)")
		}

		staged, err := updater.Stage(sourceURL)
		if err != nil {
			return fmt.Errorf("staging update: %w", err)
		}
		if err := updater.PersistVersion(version); err != nil {
			return fmt.Errorf("persisting version: %w", err)
		}

		// Re-exec straight into serve rather than replaying this process's own
		// argv: the staged binary's install is only completed by main's
		// pre-dispatch CheckStartup, and re-running "update" with the same
		// --source would just stage and re-exec forever.
		serveArgs := []string{"serve", "--workspace", workspaceFlag}
		logger.Info("staged update, replacing process image", "staged_path", staged)
		return updater.ExecReplace(staged, serveArgs)
	},
}

func init() {
	updateCmd.Flags().StringVar(&updateSourceURL, "source", "", "URL to download the new binary from")
}

func startHealthServer(logger *slog.Logger, cfg *config.Config) *http.Server {
	addr := os.Getenv("HEALTH_LISTEN_ADDR")
	if addr == "" {
		addr = ":8091"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"version": version, "commit": commit})
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("starting health/metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()
	return srv
}

func shutdownHealthServer(ctx context.Context, logger *slog.Logger, srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown", "error", err)
	}
}
