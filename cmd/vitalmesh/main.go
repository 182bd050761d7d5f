package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vitalmesh/config"
	"vitalmesh/internal/logging"
	"vitalmesh/internal/service"
)

func main() {
	if err := logging.Configure(logging.LevelInfo, ""); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vitalmesh",
		Short: "Distributed NEWS2 early-warning pipeline",
		Long: `vitalmesh runs the three services of the early-warning pipeline:
sensor ingestion with per-sensor consensus, NEWS2 scoring with score
consensus and a patient read model, and alert prioritisation with
notification dispatch.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(ingestCmd(), scoreCmd(), alertCmd(), patientsCmd())
	return cmd
}

func serviceCmd(use, short string, run func(cmd *cobra.Command, cfg config.Config) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := logging.Configure(cfg.LogLevel, cfg.Env); err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}
}

func ingestCmd() *cobra.Command {
	return serviceCmd("ingest", "Run the sensor ingestion service", func(cmd *cobra.Command, cfg config.Config) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return service.RunIngest(ctx, cfg)
	})
}

func scoreCmd() *cobra.Command {
	return serviceCmd("score", "Run the NEWS2 scoring service", func(cmd *cobra.Command, cfg config.Config) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return service.RunScore(ctx, cfg)
	})
}

func alertCmd() *cobra.Command {
	return serviceCmd("alert", "Run the alert service", func(cmd *cobra.Command, cfg config.Config) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return service.RunAlert(ctx, cfg)
	})
}
