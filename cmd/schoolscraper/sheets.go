package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"schoolscraper/pkg/sheets"
	"schoolscraper/pkg/ui"
)

// sheetsCmd represents the sheets command
var sheetsCmd = &cobra.Command{
	Use:   "sheets",
	Short: "Google Sheets mirror utilities",
	Long: `Utilities for the Google Sheets mirror.

Credentials are looked up in order:
  - sheets.credentials_file
  - the environment variable named by sheets.credentials_env
  - the system keychain entry named by sheets.keyring_user`,
}

var sheetsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the spreadsheet can be reached with the configured credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(nil)
		if err != nil {
			return err
		}
		if cfg.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("no spreadsheet configured; set sheets.spreadsheet_id")
		}

		timeout := cfg.Sheets.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		client, err := sheets.New(ctx, cfg.Sheets, log)
		if err != nil {
			return err
		}
		titles, err := client.Worksheets(ctx)
		if err != nil {
			return err
		}
		ui.PrintSuccess(fmt.Sprintf("Spreadsheet reachable, %d worksheet(s)", len(titles)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sheetsCmd)
	sheetsCmd.AddCommand(sheetsCheckCmd)
}
