// Package cache defines the storage contract behind the engine's result cache.
package cache

import (
	"context"
	"errors"
	"time"
)

// Scope controls which runs may observe a cached entry.
type Scope string

const (
	// ScopeProcess entries are shared by every run using the same backend.
	ScopeProcess Scope = "process"
	// ScopeRun entries are visible only to the run that wrote them.
	ScopeRun Scope = "run"
)

// ErrMiss is returned by a Backend when no entry exists for a key.
var ErrMiss = errors.New("cache miss")

// Entry is a single memoized task result.
type Entry struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	CreatedAt time.Time   `json:"created_at"`
	// ExpiresAt is zero for entries that never expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Scope     Scope     `json:"scope"`
	RunID     string    `json:"run_id,omitempty"`
}

// Expired reports whether the entry must no longer be served at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Backend stores cache entries by their storage key. Implementations must be
// safe for concurrent use. Expiry is enforced by the caller, a backend may
// keep expired entries around.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error
}
