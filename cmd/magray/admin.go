package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"magray/internal/orchestrator"
	"magray/internal/version"
)

// serveCmd runs the engine until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with scheduled promotion",
	Long: `Start the engine and keep it running, with scheduled promotion scans
and periodic health checks, until SIGINT or SIGTERM. Shutdown drains
in-flight work and snapshots every tier index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check engine health",
	Long:  `Start the engine, check every component and print the result. Exits non-zero when unhealthy.`,
	RunE:  runHealth,
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Run a promotion scan now",
	RunE:  runPromote,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine statistics",
	RunE:  runStats,
}

// versionCmd shows detailed version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, version.GetBuildInfo())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write the default configuration to a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

var configForce bool

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)

	rootCmd.AddCommand(serveCmd, healthCmd, promoteCmd, statsCmd, versionCmd, configCmd)
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	log.Info("Starting MAGRAY", zap.String("version", version.Full()))
	err := withEngine(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		log.Info("Engine running", zap.String("instance", o.InstanceID()))
		<-ctx.Done()
		log.Info("Received shutdown signal")
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("Engine stopped gracefully")
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		h := o.Health(ctx)
		if err := printJSON(cmd, h); err != nil {
			return err
		}
		if h.Status == orchestrator.StatusUnhealthy {
			return errors.New("engine is unhealthy")
		}
		return nil
	})
}

func runPromote(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		sum, err := o.RunPromotionNow(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, sum)
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		st, err := o.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	})
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
