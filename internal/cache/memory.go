package cache

import (
	"context"
	"sync"

	"github.com/gxo-labs/flowcore/internal/util"
	fccache "github.com/gxo-labs/flowcore/pkg/flowcore/v1/cache"
)

// MemoryBackend keeps entries in a process-local map.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]fccache.Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]fccache.Entry)}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (fccache.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	if !ok {
		return fccache.Entry{}, fccache.ErrMiss
	}
	e.Value = util.DeepCopy(e.Value)
	return e, nil
}

func (b *MemoryBackend) Put(_ context.Context, entry fccache.Entry) error {
	entry.Value = util.DeepCopy(entry.Value)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.Key] = entry
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; !ok {
		return fccache.ErrMiss
	}
	delete(b.entries, key)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

var _ fccache.Backend = (*MemoryBackend)(nil)
