package gaze

import (
	"errors"
	"sync"
)

const (
	// DefaultCapacity bounds how many samples a buffer holds.
	DefaultCapacity = 200
	// DefaultRetain is how many samples survive a question transition.
	DefaultRetain = 10
)

// ErrOutOfOrder is returned when a sample is older than the buffer tail.
var ErrOutOfOrder = errors.New("gaze sample older than buffer tail")

// Buffer keeps the most recent samples in arrival order. Reads return copies,
// so a snapshot taken during a tick is never disturbed by later appends.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	samples  []Sample
	// appended counts every sample ever accepted; it backs Mark/Since.
	appended uint64
}

// NewBuffer creates a buffer; capacity <= 0 selects DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		samples:  make([]Sample, 0, capacity),
	}
}

// Append adds s to the tail, evicting the oldest samples beyond capacity.
func (b *Buffer) Append(s Sample) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.samples); n > 0 && s.Timestamp < b.samples[n-1].Timestamp {
		return ErrOutOfOrder
	}
	b.samples = append(b.samples, s)
	b.appended++
	if over := len(b.samples) - b.capacity; over > 0 {
		copy(b.samples, b.samples[over:])
		b.samples = b.samples[:b.capacity]
	}
	return nil
}

// Recent returns up to k of the newest samples, oldest first.
func (b *Buffer) Recent(k int) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if k <= 0 {
		return []Sample{}
	}
	n := len(b.samples)
	if k > n {
		k = n
	}
	out := make([]Sample, k)
	copy(out, b.samples[n-k:])
	return out
}

// Snapshot returns every buffered sample.
func (b *Buffer) Snapshot() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Sample, len(b.samples))
	copy(out, b.samples)
	return out
}

// Clear truncates the buffer to its newest retain samples. Buffers holding
// fewer than retain samples are left unchanged.
func (b *Buffer) Clear(retain int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if retain < 0 {
		retain = 0
	}
	n := len(b.samples)
	if n <= retain {
		return
	}
	copy(b.samples, b.samples[n-retain:])
	b.samples = b.samples[:retain]
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Mark returns a watermark; Since(mark) yields the samples appended after it.
func (b *Buffer) Mark() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.appended
}

// Since returns the samples appended after mark that are still buffered.
func (b *Buffer) Since(mark uint64) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := uint64(len(b.samples))
	if mark >= b.appended {
		return []Sample{}
	}
	first := b.appended - n
	start := uint64(0)
	if mark > first {
		start = mark - first
	}
	out := make([]Sample, n-start)
	copy(out, b.samples[start:])
	return out
}
