// Package retry wraps flaky page operations with bounded retries.
//
// Timeouts and network errors are retried with exponential backoff that never
// waits less than the configured base delay. Missing elements and unexpected
// page states additionally trigger Config.Reset so the next attempt runs on a
// fresh browser session. When attempts run out, Run returns an
// *ExhaustedError wrapping the last failure, along with whatever value the
// last attempt produced.
//
//	rows, stats, err := retry.Run(ctx, cfg, func(ctx context.Context) ([]models.RawRow, error) {
//		return driver.Fetch(ctx, unit)
//	})
package retry
