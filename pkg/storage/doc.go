// Package storage is the scraper's sink: the CSV artifact plus an optional
// remote mirror.
//
// Manager is the single shared writer. It appends rows to one CSV per state
// (or one combined schools.csv), writes the header only into empty files,
// and fsyncs after every write so a crash leaves a valid prefix. On startup
// it trims any partial trailing line and indexes existing rows, so records
// are deduplicated by UDISE code across resumed runs.
//
// Each worker owns a Buffer that flushes to the Manager every backup
// frequency records. Commit flushes the remainder at the end of a unit and
// must succeed before the unit is checkpointed.
//
// SyncRemote pushes rows written since the last successful sync to a
// RemoteTarget under a bounded timeout. Remote failures are reported, not
// fatal: the CSV artifact stays authoritative.
package storage
