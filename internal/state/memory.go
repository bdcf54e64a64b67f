package state

import (
	"context"
	"maps"
	"sync"
)

// MemoryBackend keeps slots in process memory. It is used for dry runs
// and tests.
type MemoryBackend struct {
	mu    sync.Mutex
	slots map[string]string
	// Writes counts Set calls.
	Writes int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{slots: map[string]string{}}
}

// Seed returns a memory backend preloaded with slots.
func Seed(slots map[string]string) *MemoryBackend {
	b := NewMemoryBackend()
	maps.Copy(b.slots, slots)
	return b
}

func (b *MemoryBackend) Get(_ context.Context, slot string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots[slot], nil
}

func (b *MemoryBackend) Set(_ context.Context, slot, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot] = value
	b.Writes++
	return nil
}

// Snapshot returns a copy of every slot.
func (b *MemoryBackend) Snapshot() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.slots)
}

func (b *MemoryBackend) Close() error { return nil }
