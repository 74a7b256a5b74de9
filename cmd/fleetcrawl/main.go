package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
)

var (
	// Persistent flags
	configFiles []string
	logLevel    string
	badgerPath  string

	// Global state, populated by loadConfig
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "fleetcrawl",
	Short:         "Browser fleet manager with navigation-triggered crawling",
	Long:          `FleetCrawl runs a pool of persistent browser sessions, keeps their login state current and decides, as pages are visited, which ones to crawl and how often.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&badgerPath, "badger-path", "", "Badger data directory (overrides config)")

	rootCmd.AddCommand(serveCmd, classifyCmd, versionCmd)
}

// loadConfig resolves configuration (defaults -> files -> env -> flags), validates it and
// initializes the logger
func loadConfig() error {
	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("fleetcrawl.toml"); err == nil {
			configFiles = append(configFiles, "fleetcrawl.toml")
		} else if _, err := os.Stat("deployments/local/fleetcrawl.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/fleetcrawl.toml")
		}
	}

	cfg, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	common.ApplyFlagOverrides(cfg, logLevel, badgerPath)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	config = cfg
	logger = common.SetupLogger(config)
	return nil
}

func main() {
	common.InstallCrashHandler("")
	defer common.RecoverWithCrashFile()

	if err := rootCmd.Execute(); err != nil {
		arbor.NewLogger().Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
