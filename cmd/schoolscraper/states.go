package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"schoolscraper/pkg/enumerate"
	"schoolscraper/pkg/storage"
	"schoolscraper/pkg/ui"
)

// statesCmd represents the states command
var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "List the states that can be scraped",
	Long: `List the recognised state names in scraping order, with the CSV file each
one is written to. Names are matched case-insensitively and "AND" may be
written for "&".`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		t := ui.NewTable()
		t.AppendHeader(table.Row{"#", "State", "File"})
		for i, state := range enumerate.States {
			t.AppendRow(table.Row{i + 1, state, storage.StateFileName(state)})
		}
		t.Render()
	},
}

func init() {
	rootCmd.AddCommand(statesCmd)
}
