package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cognitedata/simulator-connector/internal/config"
	"github.com/cognitedata/simulator-connector/internal/logging"
	"github.com/cognitedata/simulator-connector/internal/metrics"
	"github.com/cognitedata/simulator-connector/internal/observability"
	"github.com/cognitedata/simulator-connector/internal/runtime"
	"github.com/cognitedata/simulator-connector/internal/simulator"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "connector",
		Short: "Simulator connector - bridges a local simulator to the control plane",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to connector config file (optional, COGNITE_HOST/COGNITE_PROJECT still apply)")

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runCmd is the connector's only real subcommand: load config, wire the
// runtime, and block until a shutdown signal or a fatal, unrecoverable
// error stops it. A non-nil RunE error is this process's only path to a
// non-zero exit code, per the CLI contract (exit 0 on graceful shutdown,
// non-zero on fatal config/auth failure).
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the connector until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configFile != "" {
				loaded, err := config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			} else {
				cfg = config.DefaultConfig()
			}
			config.LoadFromEnv(cfg)

			if cfg.ControlPlane.Host == "" || cfg.ControlPlane.Project == "" {
				return fmt.Errorf("control plane host and project are required (set COGNITE_HOST / COGNITE_PROJECT or config file fields)")
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace)
			}

			rt, err := runtime.New(cfg, simulator.NoopClient{})
			if err != nil {
				return fmt.Errorf("construct runtime: %w", err)
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logging.Op().Warn("connector: error closing runtime resources", "error", err)
				}
			}()

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logging.Op().Info("connector: shutdown signal received")
				cancel()
			}()

			logging.Op().Info("connector: starting", "simulator", cfg.Simulator, "controlPlane", cfg.ControlPlane.Host)
			if err := rt.Run(ctx); err != nil {
				return fmt.Errorf("runtime: %w", err)
			}
			return nil
		},
	}
}
