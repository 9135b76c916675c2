// Package main implements the funnelbot CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"funnelbot/internal/config"
	"funnelbot/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "funnelbot",
	Short: "Synthetic e-commerce traffic generator",
	Long: `funnelbot keeps a fixed number of simulated shoppers walking an e-commerce
funnel in real browsers. Each shopper keeps its cookies between visits, may drop
off at any step, and waits at every step for the analytics beacons the page sends.

Run without arguments to start generating traffic.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runTraffic,
}

func init() {
	rootCmd.PersistentPreRunE = loadConfigAndLogger
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "funnelbot.yaml", "Config file (missing file = defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfigAndLogger runs before every command. It is attached in init to
// avoid an initialization cycle through runsTraffic.
func loadConfigAndLogger(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	lc := logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}
	if verbose {
		lc.Level = "debug"
	}
	// The console view owns the terminal while traffic runs.
	lc.FileOnly = cfg.Logging.Console && lc.File != "" && runsTraffic(cmd)
	if lc.File != "" {
		if err := os.MkdirAll(filepath.Dir(lc.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	logger, err = logging.Initialize(lc)
	if err != nil {
		return err
	}
	return nil
}

func runsTraffic(cmd *cobra.Command) bool {
	return cmd == rootCmd || cmd == runCmd
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
