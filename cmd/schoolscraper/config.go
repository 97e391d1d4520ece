package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"schoolscraper/pkg/config"
	"schoolscraper/pkg/ui"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage schoolscraper configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (SCHOOLSCRAPER_*)
  - .env files
  - Configuration file
  - Default values (lowest priority)`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with every option set to its default",
	Long: `Write a configuration file with every option set to its default.

The file is created as '.schoolscraper.yaml' in the current directory
unless a different path is given with --config.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			path = ".schoolscraper.yaml"
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s", path)
		}

		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		ui.PrintSuccess("Configuration file created: " + path)
		fmt.Println("\nNext steps:")
		fmt.Println("1. Edit the file to select states, workers and pacing")
		fmt.Println("2. Run 'schoolscraper config validate' to check it")
		fmt.Println("3. Start with 'schoolscraper scrape --install-browsers'")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(nil)
		if err != nil {
			return err
		}

		display := *cfg
		display.Reporting.WebhookURL = maskURL(display.Reporting.WebhookURL)

		data, err := yaml.Marshal(&display)
		if err != nil {
			return fmt.Errorf("failed to format configuration: %w", err)
		}
		ui.PrintHighlight("Current Configuration")
		fmt.Println()
		fmt.Print(string(data))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(nil)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.Output.Directory, 0755); err != nil {
			return fmt.Errorf("cannot create output directory: %w", err)
		}
		if cfg.Job.WaitBetweenUnits == 0 {
			ui.PrintWarning("wait_between_units is 0; the portal may throttle requests")
		}

		ui.PrintSuccess("Configuration is valid")
		fmt.Println("\nConfiguration summary:")
		fmt.Printf("  Browser: %s (headless: %v)\n", cfg.Portal.Browser, cfg.Portal.Headless)
		fmt.Printf("  Output directory: %s\n", cfg.Output.Directory)
		fmt.Printf("  Checkpoint backend: %s\n", cfg.Checkpoint.Backend)
		fmt.Printf("  Workers: %d\n", cfg.Job.Workers)
		fmt.Printf("  Max attempts: %d\n", cfg.Retry.MaxAttempts)
		fmt.Printf("  Sheets sync: %v\n", cfg.Sheets.Enabled)
		fmt.Printf("  Log level: %s\n", cfg.Logging.Level)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

// maskURL hides everything after the host, where webhook tokens live
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Scheme + "://" + u.Host + "/***"
}
