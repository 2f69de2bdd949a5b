// Package ringbuffer implements the bounded trailing window of recent
// samples used by slope fits, plateau detection, and event extraction.
// It is owned exclusively by the pipeline; callers elsewhere only ever
// see a cloned-out snapshot.
package ringbuffer

import (
	"sync"

	"github.com/agriscan/node/internal/model"
)

// Buffer is a fixed-capacity circular buffer of samples ordered oldest
// to newest. It is safe for concurrent use.
type Buffer struct {
	mu       sync.RWMutex
	items    []model.Sample
	capacity int
	start    int // index of the oldest element within items
	size     int
}

// New creates a Buffer that retains at most capacity samples. A typical
// capacity targets 30 days at the configured cadence (e.g. ~2880 points
// at a 15-minute cadence).
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{items: make([]model.Sample, capacity), capacity: capacity}
}

// Push appends a sample, evicting the oldest entry once the buffer is
// at capacity.
func (b *Buffer) Push(s model.Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < b.capacity {
		idx := (b.start + b.size) % b.capacity
		b.items[idx] = s
		b.size++
		return
	}
	b.items[b.start] = s
	b.start = (b.start + 1) % b.capacity
}

// Len returns the number of samples currently held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Snapshot returns a copy of all samples, oldest first. Safe to hold and
// read without further synchronization; mutating it has no effect on the
// buffer.
func (b *Buffer) Snapshot() []model.Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.Sample, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.start+i)%b.capacity]
	}
	return out
}

// Last returns the n most recent samples, oldest first, and a bool
// indicating whether at least n samples were available.
func (b *Buffer) Last(n int) ([]model.Sample, bool) {
	all := b.Snapshot()
	if n <= 0 {
		return nil, len(all) > 0
	}
	if len(all) < n {
		return all, false
	}
	return all[len(all)-n:], true
}

// Since returns all samples with Timestamp >= cutoff, oldest first.
func (b *Buffer) Since(cutoff int64) []model.Sample {
	all := b.Snapshot()
	idx := 0
	for idx < len(all) && all[idx].Timestamp < cutoff {
		idx++
	}
	return all[idx:]
}

// Seed resets the buffer and loads samples (oldest first) as its
// initial contents, keeping only the trailing capacity entries if more
// are supplied. Intended for rebuilding trailing history from the
// store's tail on restart, before the acquisition loop's first Push.
func (b *Buffer) Seed(samples []model.Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(samples) > b.capacity {
		samples = samples[len(samples)-b.capacity:]
	}
	b.start = 0
	b.size = len(samples)
	for i, s := range samples {
		b.items[i] = s
	}
}

// Newest returns the most recently pushed sample, if any.
func (b *Buffer) Newest() (model.Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return model.Sample{}, false
	}
	idx := (b.start + b.size - 1) % b.capacity
	return b.items[idx], true
}
