// Package logbuffer accumulates progress log entries per job in memory until
// they are flushed to the job store at a phase boundary.
package logbuffer

import (
	"sync"
	"time"

	"github.com/feichai0017/shadowtwin/internal/models"
)

type Buffer struct {
	mu      sync.Mutex
	entries map[string][]models.LogEntry
}

func New() *Buffer {
	return &Buffer{entries: make(map[string][]models.LogEntry)}
}

// Append adds entry to the job's buffer, stamping it if no timestamp is set.
func (b *Buffer) Append(jobID string, entry models.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	b.entries[jobID] = append(b.entries[jobID], entry)
	b.mu.Unlock()
}

// Drain returns the buffered entries in insertion order and clears them.
func (b *Buffer) Drain(jobID string) []models.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries[jobID]
	delete(b.entries, jobID)
	return out
}

// Restore puts entries back in front of anything buffered since they were
// drained. Used when a flush to the store fails.
func (b *Buffer) Restore(jobID string, entries []models.LogEntry) {
	if len(entries) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]models.LogEntry, 0, len(entries)+len(b.entries[jobID]))
	merged = append(merged, entries...)
	merged = append(merged, b.entries[jobID]...)
	b.entries[jobID] = merged
}

// Peek returns a copy of the buffered entries without clearing them.
func (b *Buffer) Peek(jobID string) []models.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.entries[jobID]
	out := make([]models.LogEntry, len(src))
	copy(out, src)
	return out
}

func (b *Buffer) Len(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries[jobID])
}
