package secrets_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/gxo-labs/flowcore/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerExactAndContained(t *testing.T) {
	const secret = "s3cr3t_t0k3n"

	testCases := []struct {
		name        string
		track       bool
		input       string
		expectFound bool
	}{
		{name: "Exact Match", track: true, input: secret, expectFound: true},
		{name: "Inside Connection String", track: true, input: "postgres://u:s3cr3t_t0k3n@db/x", expectFound: true},
		{name: "Partial Value", track: true, input: "s3cr3t_t0k", expectFound: false},
		{name: "Empty Input", track: true, input: "", expectFound: false},
		{name: "Empty Tracker", track: false, input: "some value", expectFound: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tracker := secrets.NewSecretTracker()
			if tc.track {
				tracker.Add(secret)
			}
			assert.Equal(t, tc.expectFound, tracker.ContainsTrackedSecret(tc.input))
		})
	}
}

func TestTrackerIgnoresEmpty(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	tracker.Add("")
	assert.Equal(t, 0, tracker.Len())
	assert.False(t, tracker.IsTracked(""))
}

func TestTrackerRedact(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	tracker.Add("abc")
	tracker.Add("abcdef")

	out, changed := tracker.Redact("token=abcdef and abc")
	assert.True(t, changed)
	assert.Equal(t, "token=[REDACTED] and [REDACTED]", out)

	out, changed = tracker.Redact("nothing here")
	assert.False(t, changed)
	assert.Equal(t, "nothing here", out)
}

func TestTrackerConcurrentUse(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	const routines = 50
	const perRoutine = 20

	var wg sync.WaitGroup
	wg.Add(routines)
	for i := 0; i < routines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perRoutine; j++ {
				tracker.Add(fmt.Sprintf("secret_%d_%d", id, j))
				_ = tracker.ContainsTrackedSecret("secret_0_0")
				_, _ = tracker.Redact("secret_0_0")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, routines*perRoutine, tracker.Len())
}

func TestEnvProviderPrefix(t *testing.T) {
	t.Setenv("FLOWCORE_TEST_SECRET_DB", "hunter2")
	p := secrets.NewEnvProvider("FLOWCORE_TEST_SECRET_")

	v, ok, err := p.GetSecret(context.Background(), "DB")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hunter2", v)

	_, ok, err = p.GetSecret(context.Background(), "MISSING")
	require.NoError(t, err)
	assert.False(t, ok)
}
