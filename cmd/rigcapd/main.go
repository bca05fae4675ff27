package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/rigcap/internal/config"
	"github.com/e7canasta/rigcap/internal/core"
	"github.com/e7canasta/rigcap/internal/export"
	"github.com/e7canasta/rigcap/internal/recovery"
)

const defaultConfigPath = "config/rigcap.yaml"

var (
	configPath string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:          "rigcapd",
		Short:        "Event-triggered video and controller capture for behavioral rigs",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(os.Stdout)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(runCmd(), recoverCmd(), exportCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogger installs the JSON logger writing to w
func setupLogger(w io.Writer) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the capture daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func run() error {
	slog.Info("starting rigcap service",
		"config", configPath,
		"debug", debug,
	)

	rig, err := core.NewRig(configPath)
	if err != nil {
		slog.Error("failed to create rigcap service", "error", err)
		return err
	}

	if path := rig.Config().LogFile; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("failed to open log file", "path", path, "error", err)
			return err
		}
		defer f.Close()
		setupLogger(io.MultiWriter(os.Stdout, f))
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start health check HTTP server (non-blocking)
	if err := rig.StartHealthServer(""); err != nil {
		slog.Error("failed to start health check server", "error", err)
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- rig.Run(ctx) // Always send, even if nil
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		} else {
			slog.Info("service stopped (via MQTT shutdown command)")
		}
	}

	shutdownTimeout := rig.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := rig.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return err
	}

	slog.Info("rigcap service stopped successfully")
	return runErr
}

func recoverCmd() *cobra.Command {
	var (
		root   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Rename leftover partial files to *.recovered",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				root = cfg.OutputRoot
			}

			if dryRun {
				found, err := recovery.Scan(root)
				if err != nil {
					return err
				}
				for _, p := range found {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				slog.Info("recovery scan complete", "root", root, "leftovers", len(found))
				return nil
			}

			moved, err := recovery.Quarantine(root)
			for _, m := range moved {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", m.From, m.To)
			}
			slog.Info("recovery complete", "root", root, "moved", len(moved))
			return err
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "Output root to scan (default: output_root from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List leftovers without renaming them")
	return cmd
}

func exportCmd() *cobra.Command {
	var opts export.Options
	cmd := &cobra.Command{
		Use:   "export [path...]",
		Short: "Export session data files to xlsx workbooks",
		Long: "Export .dat and .trial.csv files (optionally .xz) to <base>.xlsx. " +
			"Paths may be files or directories; without paths the subject's data folder is exported.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				args = []string{filepath.Join(cfg.OutputRoot, core.DataPrefix+cfg.Subject)}
			}

			var failed int
			for _, p := range args {
				info, err := os.Stat(p)
				if err != nil {
					return err
				}
				var results []export.Result
				if info.IsDir() {
					results, err = export.Dir(p, opts)
				} else {
					var res export.Result
					res, err = export.Session(p, opts)
					if err == nil {
						results = append(results, res)
					}
				}
				for _, res := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (%d data rows, %d trials)\n", res.Output, res.DataRows, res.TrialRows)
				}
				if err != nil {
					failed++
					slog.Error("export failed", "path", p, "error", err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("export failed for %d path(s)", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "Check the END trailer checksums before exporting")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Overwrite existing workbooks")
	return cmd
}
