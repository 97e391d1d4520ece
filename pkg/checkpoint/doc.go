// Package checkpoint records which work units have been fully extracted and
// flushed, so a restarted job can skip them.
//
// Two backends implement Store:
//   - FileStore: an append-only JSON-lines log, fsynced after every entry
//   - SQLiteStore: a single table in a modernc.org/sqlite database
//
// Both read all entries once when opened and answer IsDone from memory.
// MarkDone is idempotent, so a unit is recorded at most once. Entries are
// only removed by an explicit Reset.
//
// Unless a path is configured, checkpoints live in a platform-specific data
// directory:
//   - Linux: $XDG_DATA_HOME/schoolscraper or ~/.local/share/schoolscraper
//   - macOS: ~/Library/Application Support/schoolscraper
//   - Windows: %APPDATA%/schoolscraper
package checkpoint
