// Package logbuffer implements the Task Log Buffer (spec.md §4.7): a
// per-task bounded ring of categorized log entries.
package logbuffer

import (
	"sync"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
)

// DefaultCapacity is the default ring size per task (spec.md §3: "bound ≥ 1,000").
const DefaultCapacity = 1000

// ring is a fixed-capacity append-only buffer that overwrites its oldest
// entry once full.
type ring struct {
	entries []model.LogEntry
	start   int // index of the oldest entry
	size    int // number of entries currently held
}

func newRing(capacity int) *ring {
	return &ring{entries: make([]model.LogEntry, capacity)}
}

func (r *ring) append(entry model.LogEntry) {
	capacity := len(r.entries)
	if r.size < capacity {
		r.entries[(r.start+r.size)%capacity] = entry
		r.size++
		return
	}
	r.entries[r.start] = entry
	r.start = (r.start + 1) % capacity
}

// last returns up to n of the most recent entries, oldest first.
func (r *ring) last(n int) []model.LogEntry {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]model.LogEntry, n)
	capacity := len(r.entries)
	first := (r.start + r.size - n + capacity) % capacity
	for i := 0; i < n; i++ {
		out[i] = r.entries[(first+i)%capacity]
	}
	return out
}

// Buffer holds one ring per task, guarded by a single mutex with a short
// critical section per spec.md §5.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	byTask   map[string]*ring
}

// New constructs a Buffer. capacity <= 0 uses DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity, byTask: make(map[string]*ring)}
}

// Append adds entry to taskId's ring, creating it lazily.
func (b *Buffer) Append(taskID string, entry model.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.byTask[taskID]
	if !ok {
		r = newRing(b.capacity)
		b.byTask[taskID] = r
	}
	r.append(entry)
}

// Recent returns up to limit of the most recent entries for taskId, oldest
// first. limit <= 0 returns everything held.
func (b *Buffer) Recent(taskID string, limit int) []model.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.byTask[taskID]
	if !ok {
		return nil
	}
	return r.last(limit)
}
