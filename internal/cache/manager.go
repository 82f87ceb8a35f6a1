package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	fccache "github.com/gxo-labs/flowcore/pkg/flowcore/v1/cache"
	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
)

// Policy is the caching configuration of a task definition.
type Policy struct {
	// KeyFn derives the key; nil means InputHash.
	KeyFn KeyFunc
	// TTL bounds how long an entry is served; zero means no expiry.
	TTL time.Duration
	// Scope is process (default) or run.
	Scope fccache.Scope
}

// Manager memoizes task results in a Backend, enforcing expiry and scope.
type Manager struct {
	backend fccache.Backend
	log     fclog.Logger
	now     func() time.Time
}

// NewManager creates a manager over backend.
func NewManager(backend fccache.Backend, log fclog.Logger) *Manager {
	if backend == nil || log == nil {
		panic("cache.NewManager requires a non-nil backend and logger")
	}
	return &Manager{backend: backend, log: log.With("component", "CacheManager"), now: time.Now}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Backend returns the storage the manager writes to.
func (m *Manager) Backend() fccache.Backend {
	return m.backend
}

// ComputeKey returns the cache key for an invocation. ok is false when the
// invocation is uncacheable (an empty custom key or unhashable arguments).
func (m *Manager) ComputeKey(p Policy, kc KeyContext) (key string, ok bool) {
	fn := p.KeyFn
	if fn == nil {
		fn = InputHash
	}
	key, err := fn(kc)
	if err != nil {
		m.log.Warnf("Task '%s' is not cacheable for this invocation: %v", kc.TaskName, err)
		return "", false
	}
	return key, key != ""
}

func storageKey(key string, scope fccache.Scope, runID string) string {
	if scope == fccache.ScopeRun {
		return fmt.Sprintf("run/%s/%s", runID, key)
	}
	return "process/" + key
}

// Get returns the cached value for key. Expired entries are deleted and
// reported as misses.
func (m *Manager) Get(ctx context.Context, key string, scope fccache.Scope, runID string) (interface{}, bool) {
	sk := storageKey(key, scope, runID)
	entry, err := m.backend.Get(ctx, sk)
	if err != nil {
		if !errors.Is(err, fccache.ErrMiss) {
			m.log.Warnf("Cache read for key '%s' failed, treating as miss: %v", key, err)
		}
		return nil, false
	}
	if entry.Expired(m.now()) {
		m.log.Debugf("Cache entry '%s' expired at %s", key, entry.ExpiresAt.Format(time.RFC3339))
		if delErr := m.backend.Delete(ctx, sk); delErr != nil && !errors.Is(delErr, fccache.ErrMiss) {
			m.log.Warnf("Failed to evict expired cache entry '%s': %v", key, delErr)
		}
		return nil, false
	}
	return entry.Value, true
}

// Put stores value under key, overwriting any previous entry.
func (m *Manager) Put(ctx context.Context, key string, value interface{}, ttl time.Duration, scope fccache.Scope, runID string) error {
	if scope == "" {
		scope = fccache.ScopeProcess
	}
	now := m.now()
	entry := fccache.Entry{
		Key:       storageKey(key, scope, runID),
		Value:     value,
		CreatedAt: now,
		Scope:     scope,
	}
	if scope == fccache.ScopeRun {
		entry.RunID = runID
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	if err := m.backend.Put(ctx, entry); err != nil {
		return fmt.Errorf("failed to store cache entry '%s': %w", key, err)
	}
	return nil
}
