// Package scraper orchestrates a school directory scrape.
//
// A Scraper walks the selected states one at a time per worker. For every
// (state, district) unit it:
//   - skips the unit when the checkpoint store already has it
//   - fetches the raw result rows through the worker's PageDriver, retrying
//     transient failures with backoff and resetting the browser session when
//     the page is not in the expected state
//   - extracts school records, skipping malformed rows
//   - appends the records to the CSV sink and fsyncs them
//   - checkpoints the unit, only after the flush succeeded
//
// Once a state's units are done and a detail sink is attached, the same
// worker visits the detail page of every school from this run that has one
// and writes the parsed page to the detail sink. Detail failures are counted
// but never block checkpoints.
//
// A unit that still fails after its retries is recorded in the run summary
// and the job moves on. Storage failures abort the job, since continuing
// would break the flush-before-checkpoint ordering.
//
// Usage:
//
//	store, err := checkpoint.Open(cfg.Checkpoint, log)
//	if err != nil {
//	    return err
//	}
//	sink, err := storage.NewManager(cfg.Output, log)
//	if err != nil {
//	    return err
//	}
//
//	s, err := scraper.New(cfg, newDriver, store, sink)
//	if err != nil {
//	    return err
//	}
//	summary, err := s.Run(ctx, []string{"GOA", "KERALA"})
//
// Cancelling ctx stops the run between units: the unit in flight finishes,
// is flushed and checkpointed, and Run returns a summary in the cancelled
// state.
package scraper
