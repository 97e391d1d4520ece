package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"schoolscraper/pkg/checkpoint"
	"schoolscraper/pkg/enumerate"
	"schoolscraper/pkg/ui"
)

// checkpointCmd represents the checkpoint command
var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or clear resume checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show completed districts per state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(nil)
		if err != nil {
			return err
		}
		store, err := checkpoint.Open(cfg.Checkpoint, log)
		if err != nil {
			return err
		}
		defer store.Close()

		ui.PrintInfo("Checkpoints", store.Path())
		entries := store.AllDone()
		if len(entries) == 0 {
			ui.PrintWarning("No completed districts yet")
			return nil
		}
		ui.PrintCheckpoints(entries)
		return nil
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset [state...]",
	Short: "Clear checkpoints for the given states, or all of them",
	Long: `Clear checkpoints so the next run scrapes those districts again.
Records already in the CSV files are not written twice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(nil)
		if err != nil {
			return err
		}

		var states []string
		if len(args) > 0 {
			if states, err = enumerate.Select(args); err != nil {
				return err
			}
		}

		store, err := checkpoint.Open(cfg.Checkpoint, log)
		if err != nil {
			return err
		}
		defer store.Close()

		before := len(store.AllDone())
		if err := resetCheckpoints(store, states); err != nil {
			return err
		}
		ui.PrintSuccess(fmt.Sprintf("Removed %d checkpoint(s)", before-len(store.AllDone())))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointResetCmd)
}
