package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"schoolscraper/pkg/config"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/ui"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
	noColor    bool
	quiet      bool
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "schoolscraper",
	Short: "Extract the UDISE+ school directory into CSV",
	Long: `schoolscraper drives the UDISE+ school search portal in a headless browser
and extracts every school listed for each (state, district) pair.

Features:
  - Resumable runs: completed districts are checkpointed and skipped
  - Append-only CSV output, fsynced before a district is checkpointed
  - Retry with exponential backoff and browser session resets
  - Optional mirroring to a Google Sheets spreadsheet
  - Per-district progress events to the log and an optional webhook`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.SetNoColor(noColor)
		if quiet {
			ui.SetQuietMode(true)
		}
		if cmd.Name() == "scrape" {
			ui.PrintLogo()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ui.PrintError("Error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./.schoolscraper.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show log output alongside progress lines")

	rootCmd.SetVersionTemplate(`schoolscraper {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig loads configuration with the given flag overrides and sets up
// the global logger
func loadConfig(flags map[string]interface{}) (*config.Config, logger.Logger, error) {
	if flags == nil {
		flags = make(map[string]interface{})
	}
	if logLevel != "" {
		flags["log-level"] = logLevel
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, nil, err
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger.GetLogger(), nil
}
