package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/config"
)

var (
	cfg       *config.Config
	configDir string
	dataDir   string

	// exitCode is set by commands that distinguish partial from hard
	// failure; cobra errors themselves exit 1.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "harvest-cli",
	Short: "Crown dependency postcode harvester",
	Long: "Harvests postcode-bearing records from map services, Overpass and offline OSM extracts\n" +
		"for Jersey, Guernsey and the Isle of Man, reconciles them into one canonical row per\n" +
		"postcode, and emits the canonical CSV plus the ONSPD-compatible contract file.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "directory holding the territory, scoring and contract YAML files")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "directory receiving caches, snapshots, state and outputs")
}
