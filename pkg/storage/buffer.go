package storage

import (
	"schoolscraper/pkg/models"
)

// Buffer accumulates one worker's records and hands them to the shared
// Manager every frequency records. It is not safe for concurrent use; each
// worker owns its own.
type Buffer struct {
	manager   *Manager
	frequency int
	records   []models.SchoolRecord
	flushed   int
}

// NewBuffer creates a buffer flushing to m every frequency records
func NewBuffer(m *Manager, frequency int) *Buffer {
	if frequency < 1 {
		frequency = 1
	}
	return &Buffer{manager: m, frequency: frequency}
}

// Add buffers records, flushing whenever the backup frequency is reached
func (b *Buffer) Add(records ...models.SchoolRecord) error {
	for _, rec := range records {
		b.records = append(b.records, rec)
		if len(b.records) >= b.frequency {
			if err := b.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes every buffered record to the artifact
func (b *Buffer) Flush() error {
	if len(b.records) == 0 {
		return nil
	}
	n, err := b.manager.Write(b.records)
	if err != nil {
		return err
	}
	b.flushed += n
	b.records = b.records[:0]
	return nil
}

// Commit flushes what remains of the current unit and returns how many rows
// the unit added to the artifact. Once it returns nil the unit's records are
// durable and the unit may be checkpointed.
func (b *Buffer) Commit() (int, error) {
	if err := b.Flush(); err != nil {
		return 0, err
	}
	n := b.flushed
	b.flushed = 0
	return n, nil
}

// Len returns the number of records not yet flushed
func (b *Buffer) Len() int {
	return len(b.records)
}
