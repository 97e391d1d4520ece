package main

import (
	"github.com/spf13/cobra"

	"schoolscraper/pkg/metadata"
	"schoolscraper/pkg/models"
	"schoolscraper/pkg/ui"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the outcome of the last run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(nil)
		if err != nil {
			return err
		}

		m, err := metadata.Latest(cfg.Output.Directory)
		if err != nil {
			return err
		}
		if m == nil {
			ui.PrintWarning("No runs recorded in " + cfg.Output.Directory)
			return nil
		}

		ui.PrintSummary(&models.Summary{
			RunID:          m.RunID,
			State:          m.State,
			Selection:      m.Selection,
			StartedAt:      m.StartedAt,
			FinishedAt:     m.FinishedAt,
			ProcessedUnits: m.ProcessedUnits,
			SucceededUnits: m.SucceededUnits,
			SkippedUnits:   m.SkippedUnits,
			RecordsWritten: m.RecordsWritten,
			MalformedRows:  m.MalformedRows,
			Failed:         m.Failed,
			FatalError:     m.FatalError,
			Manifest:       metadata.Path(cfg.Output.Directory, m.RunID),
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
