package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"magray/internal/config"
	"magray/internal/datadir"
	"magray/internal/logger"
	"magray/internal/orchestrator"
	"magray/internal/version"
)

var (
	cfgFile  string
	dataDir  string
	logLevel string
	jsonLogs bool

	// Loaded by the root PersistentPreRunE before any command runs.
	cfg *config.Config
	log *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "magray",
	Short: "MAGRAY - layered vector memory engine",
	Long: `MAGRAY stores text as embedded vectors in three memory tiers
(interaction, insight, asset), searches them by similarity and promotes
records between tiers as they prove useful.

Every command except serve opens the engine, runs one operation and shuts
it down again. Results are written to stdout as JSON; logs go to stderr.`,
	Version:           version.Full(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory, replacing the config's data_dir ("+datadir.EnvVar+" still takes precedence)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write logs as JSON")
}

// loadConfig loads .env files first so ${VAR} references in the config
// file can see them, then the config itself.
func loadConfig(cmd *cobra.Command, args []string) error {
	dd, err := datadir.New(dataDir)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	loaded, envErr := datadir.LoadEnv(dd.Root())

	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = config.Default()
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if jsonLogs {
		cfg.Log.Format = string(logger.FormatJSON)
	}

	log, err = logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Format:  logger.Format(cfg.Log.Format),
		Writers: []io.Writer{cmd.ErrOrStderr()},
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if envErr != nil {
		log.Warn("Failed to load .env files", zap.Error(envErr))
	}
	if len(loaded) > 0 {
		log.Debug("Loaded .env files", zap.Strings("files", loaded))
	}
	return nil
}

// withEngine starts an engine, runs fn against it and shuts it down. The
// shutdown error is reported only when fn succeeded.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, o *orchestrator.Orchestrator) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	o, err := orchestrator.New(cfg, orchestrator.WithLogger(log))
	if err != nil {
		return err
	}
	if err := o.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Orchestrator.ShutdownGrace)
		defer cancel()
		if serr := o.Shutdown(sctx); serr != nil && err == nil {
			err = fmt.Errorf("shutdown: %w", serr)
		}
		_ = log.Sync()
	}()
	return fn(ctx, o)
}

// printJSON writes v as indented JSON to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
