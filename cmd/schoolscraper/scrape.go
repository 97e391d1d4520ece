package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"schoolscraper/pkg/checkpoint"
	"schoolscraper/pkg/config"
	"schoolscraper/pkg/enumerate"
	"schoolscraper/pkg/job"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/metadata"
	"schoolscraper/pkg/portal"
	"schoolscraper/pkg/reporter"
	"schoolscraper/pkg/scraper"
	"schoolscraper/pkg/sheets"
	"schoolscraper/pkg/storage"
	"schoolscraper/pkg/ui"
)

var (
	// Scrape command flags
	outputDir         string
	workers           int
	maxRetries        int
	maxDistricts      int
	headed            bool
	combined          bool
	checkpointBackend string
	checkpointPath    string
	spreadsheetID     string
	installBrowsers   bool
	retryFailed       bool
	freshStart        bool
	skipDetails       bool
)

// scrapeCmd represents the scrape command
var scrapeCmd = &cobra.Command{
	Use:   "scrape [state...]",
	Short: "Scrape schools for the given states (all states when none are given)",
	Long: `Scrape the UDISE+ school directory.

Every selected state is expanded into its districts and each district is
searched, paginated and extracted. Records are appended to CSV files in the
output directory. A district is checkpointed once its records are on disk,
so an interrupted run resumes where it stopped.

After a state's districts are done, the detail page of every school with a
"Know More" link is read into details/. Pass --skip-details to leave it out.

Press Ctrl+C once to stop after the district in flight.`,
	Example: `  # Scrape every state
  schoolscraper scrape

  # Scrape two states with two browser workers
  schoolscraper scrape goa "tamil nadu" --workers 2

  # Re-run only the states with failed districts in the last run
  schoolscraper scrape --retry-failed

  # Mirror to a spreadsheet
  schoolscraper scrape kerala --spreadsheet-id 1AbC...`,
	RunE: runScrape,
}

func init() {
	rootCmd.AddCommand(scrapeCmd)

	scrapeCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory for CSV files")
	scrapeCmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of browser workers")
	scrapeCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "maximum attempts per district")
	scrapeCmd.Flags().IntVar(&maxDistricts, "max-districts", -1, "limit districts per state (0 for no limit)")
	scrapeCmd.Flags().BoolVar(&headed, "headed", false, "show the browser window")
	scrapeCmd.Flags().BoolVar(&combined, "combined", false, "write every state to one CSV file")
	scrapeCmd.Flags().StringVar(&checkpointBackend, "checkpoint-backend", "", "checkpoint backend (file, sqlite)")
	scrapeCmd.Flags().StringVar(&checkpointPath, "checkpoint-path", "", "checkpoint file location")
	scrapeCmd.Flags().StringVar(&spreadsheetID, "spreadsheet-id", "", "mirror records to this Google Sheets spreadsheet")
	scrapeCmd.Flags().BoolVar(&installBrowsers, "install-browsers", false, "download the browser before scraping")
	scrapeCmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "select the states with failed districts in the last run")
	scrapeCmd.Flags().BoolVar(&freshStart, "fresh", false, "clear checkpoints of the selected states first")
	scrapeCmd.Flags().BoolVar(&skipDetails, "skip-details", false, "do not visit school detail pages")
}

func scrapeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	if outputDir != "" {
		flags["output"] = outputDir
	}
	if workers > 0 {
		flags["workers"] = workers
	}
	if maxRetries > 0 {
		flags["max-retries"] = maxRetries
	}
	if cmd.Flags().Changed("max-districts") {
		flags["max-districts"] = maxDistricts
	}
	if headed {
		flags["headless"] = false
	}
	if combined {
		flags["combined"] = true
	}
	if checkpointBackend != "" {
		flags["checkpoint-backend"] = checkpointBackend
	}
	if checkpointPath != "" {
		flags["checkpoint-path"] = checkpointPath
	}
	if spreadsheetID != "" {
		flags["spreadsheet-id"] = spreadsheetID
	}
	if skipDetails {
		flags["skip-details"] = true
	}
	// progress lines replace per-unit log lines unless asked otherwise
	if !verbose && logLevel == "" {
		flags["log-level"] = "warn"
	}
	return flags
}

func runScrape(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(scrapeFlags(cmd))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	selection, err := resolveSelection(cfg, args)
	if err != nil {
		return err
	}

	if installBrowsers {
		ui.PrintInfo("Installing browser", cfg.Portal.Browser)
		if err := portal.InstallBrowser(cfg.Portal); err != nil {
			return fmt.Errorf("failed to install browser: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := checkpoint.Open(cfg.Checkpoint, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if freshStart {
		if err := resetCheckpoints(store, selection); err != nil {
			return err
		}
	}

	sink, err := storage.NewManager(cfg.Output, log)
	if err != nil {
		return err
	}
	defer sink.Close()

	var details *storage.Manager
	if cfg.Detail.Enabled {
		details, err = storage.NewDetailManager(cfg.Output, log)
		if err != nil {
			return err
		}
		defer details.Close()
	}

	if cfg.Sheets.Enabled {
		client, err := sheets.New(ctx, cfg.Sheets, log)
		if err != nil {
			// the CSV stays authoritative; run without the mirror
			ui.PrintWarning("Spreadsheet sync disabled", err)
		} else {
			sink.SetRemote(client, cfg.Sheets.Timeout)
			ui.PrintInfo("Spreadsheet", cfg.Sheets.SpreadsheetID)
		}
	}

	progress := reporter.Multi{reporter.FromConfig(cfg.Reporting, log)}
	if !quiet {
		progress = append(progress, ui.NewProgressPrinter(0))
	}

	newDriver := func(workerID int) (scraper.PageDriver, error) {
		return portal.NewDriver(cfg.Portal, portal.BrowserSessions(cfg.Portal, log), log).WithWorker(workerID), nil
	}

	opts := []scraper.Option{scraper.WithReporter(progress), scraper.WithLogger(log)}
	if details != nil {
		opts = append(opts, scraper.WithDetailSink(details))
	}
	s, err := scraper.New(cfg, newDriver, store, sink, opts...)
	if err != nil {
		return err
	}

	ui.PrintInfo("Output", cfg.Output.Directory)
	if n := sink.Existing(); n > 0 {
		ui.PrintInfo("Existing records", strconv.Itoa(n))
	}
	ui.PrintInfo("Checkpoints", store.Path())
	if cfg.Detail.Enabled {
		ui.PrintInfo("Details", filepath.Join(cfg.Output.Directory, storage.DetailsDir))
	}
	if len(selection) == 0 {
		ui.PrintInfo("States", "all")
	} else {
		ui.PrintInfo("States", strings.Join(selection, ", "))
	}
	ui.PrintHighlight("[STARTING EXTRACTION]")

	controller := job.NewController(s, log)
	if err := controller.Start(ctx, selection); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		if s.Status().State.IsTerminal() {
			return
		}
		ui.PrintWarning("Interrupt received, stopping after the current district")
	}()

	out, err := controller.Wait(context.Background())
	if err != nil {
		return err
	}

	ui.PrintSummary(out.Summary)
	if out.Err != nil {
		logger.LogComponentStop(log, "schoolscraper", "aborted")
		return fmt.Errorf("run aborted: %w", out.Err)
	}
	if out.Summary != nil && len(out.Summary.Failed) > 0 {
		ui.PrintWarning("Some districts failed; re-run with --retry-failed to try them again")
		return nil
	}
	ui.PrintSuccess("[EXTRACTION FINISHED]")
	return nil
}

// resolveSelection picks the states to scrape: arguments first, then the
// failed states of the last run, then the configured list
func resolveSelection(cfg *config.Config, args []string) ([]string, error) {
	if len(args) > 0 {
		return enumerate.Select(args)
	}

	if retryFailed {
		last, err := metadata.Latest(cfg.Output.Directory)
		if err != nil {
			return nil, err
		}
		if last == nil {
			return nil, errors.New("no previous run found in " + cfg.Output.Directory)
		}
		failed := last.FailedStates()
		if len(failed) == 0 {
			return nil, errors.New("the last run had no failed districts")
		}
		ui.PrintInfo("Retrying failed", last.FailureSummary(5))
		return failed, nil
	}

	if len(cfg.Job.States) > 0 {
		return enumerate.Select(cfg.Job.States)
	}
	return nil, nil
}

func resetCheckpoints(store checkpoint.Store, selection []string) error {
	if len(selection) == 0 {
		ui.PrintWarning("Clearing all checkpoints")
		return store.Reset("")
	}
	for _, state := range selection {
		if err := store.Reset(state); err != nil {
			return err
		}
	}
	ui.PrintWarning("Cleared checkpoints", strings.Join(selection, ", "))
	return nil
}
