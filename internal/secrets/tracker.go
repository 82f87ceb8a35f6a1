package secrets

import (
	"sort"
	"strings"
	"sync"
)

// RedactedPlaceholder replaces secret values in results, logs and reports.
const RedactedPlaceholder = "[REDACTED]"

// SecretTracker remembers every secret value resolved while rendering one
// node's parameters so they can be scrubbed from its result before the
// result reaches the cache or the result store.
type SecretTracker struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

func NewSecretTracker() *SecretTracker {
	return &SecretTracker{values: make(map[string]struct{})}
}

// Add records a resolved value. Empty values are ignored.
func (t *SecretTracker) Add(secretValue string) {
	if secretValue == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[secretValue] = struct{}{}
}

// Len returns the number of distinct tracked values.
func (t *SecretTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}

// IsTracked reports an exact match.
func (t *SecretTracker) IsTracked(value string) bool {
	if value == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, found := t.values[value]
	return found
}

// ContainsTrackedSecret reports whether input embeds any tracked value, as in
// a connection string.
func (t *SecretTracker) ContainsTrackedSecret(input string) bool {
	if input == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for secret := range t.values {
		if strings.Contains(input, secret) {
			return true
		}
	}
	return false
}

// Redact replaces every tracked value inside input. Longer values are
// replaced first so a secret that contains another is scrubbed whole.
func (t *SecretTracker) Redact(input string) (string, bool) {
	if input == "" {
		return input, false
	}
	t.mu.RLock()
	secrets := make([]string, 0, len(t.values))
	for s := range t.values {
		secrets = append(secrets, s)
	}
	t.mu.RUnlock()
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })

	out := input
	for _, s := range secrets {
		out = strings.ReplaceAll(out, s, RedactedPlaceholder)
	}
	return out, out != input
}
