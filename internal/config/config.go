package config

import (
	"time"

	"github.com/gxo-labs/flowcore/internal/retry"
)

// Plan is the top-level structure of a flowcore plan file. A plan compiles
// into a single flow whose nodes are its tasks.
type Plan struct {
	SchemaVersion     string         `yaml:"schemaVersion"`
	Name              string         `yaml:"name"`
	Version           string         `yaml:"version,omitempty"`
	Mode              string         `yaml:"mode,omitempty"`
	Workers           int            `yaml:"workers,omitempty"`
	Timeout           string         `yaml:"timeout,omitempty"`
	Retries           int            `yaml:"retries,omitempty"`
	RetryDelay        string         `yaml:"retry_delay,omitempty"`
	Parameters        *Parameters    `yaml:"parameters,omitempty"`
	ConcurrencyLimits map[string]int `yaml:"concurrency_limits,omitempty"`
	Defaults          *TaskDefaults  `yaml:"defaults,omitempty"`
	Tasks             []Task         `yaml:"tasks"`

	// FilePath is the source of the plan, for messages. Not parsed.
	FilePath string `yaml:"-"`
}

// Parameters declares the run parameters of a plan: a JSON schema and the
// values used when the caller does not override them.
type Parameters struct {
	Schema map[string]interface{} `yaml:"schema,omitempty"`
	Values map[string]interface{} `yaml:"values,omitempty"`
}

// TaskDefaults are merged into every task that leaves the field unset.
type TaskDefaults struct {
	Retry   *RetryConfig `yaml:"retry,omitempty"`
	Cache   *CacheConfig `yaml:"cache,omitempty"`
	Tags    []string     `yaml:"tags,omitempty"`
	Timeout string       `yaml:"timeout,omitempty"`
}

// Task is one unit of work of a plan.
type Task struct {
	Name         string                 `yaml:"name"`
	Type         string                 `yaml:"type"`
	Version      string                 `yaml:"version,omitempty"`
	Params       map[string]interface{} `yaml:"params,omitempty"`
	Map          string                 `yaml:"map,omitempty"`
	Inputs       []string               `yaml:"inputs,omitempty"`
	WaitFor      []string               `yaml:"wait_for,omitempty"`
	AllowFailure []string               `yaml:"allow_failure,omitempty"`
	Tags         []string               `yaml:"tags,omitempty"`
	Retry        *RetryConfig           `yaml:"retry,omitempty"`
	Cache        *CacheConfig           `yaml:"cache,omitempty"`
	Timeout      string                 `yaml:"timeout,omitempty"`
}

// RetryConfig defines the parameters for retrying a task upon failure.
type RetryConfig struct {
	MaxAttempts   int      `yaml:"max_attempts,omitempty"`
	Delay         string   `yaml:"delay,omitempty"`
	MaxDelay      string   `yaml:"max_delay,omitempty"`
	BackoffFactor *float64 `yaml:"backoff_factor,omitempty"`
	Jitter        *float64 `yaml:"jitter,omitempty"`
}

// CacheConfig enables result caching for a task.
type CacheConfig struct {
	TTL   string `yaml:"ttl,omitempty"`
	Scope string `yaml:"scope,omitempty"`
	// Key replaces the input hash with a static key.
	Key string `yaml:"key,omitempty"`
}

// GetTimeout returns the plan-wide timeout, or 0 if unset/invalid.
func (p *Plan) GetTimeout() time.Duration {
	return parseDurationOrZero(p.Timeout)
}

// GetRetryDelay returns the wait between whole-plan retries.
func (p *Plan) GetRetryDelay() time.Duration {
	return parseDurationOrZero(p.RetryDelay)
}

// ParameterSchema returns the declared schema, or nil.
func (p *Plan) ParameterSchema() map[string]interface{} {
	if p.Parameters == nil {
		return nil
	}
	return p.Parameters.Schema
}

// ParameterValues returns a copy of the plan's parameter values with
// overrides applied on top.
func (p *Plan) ParameterValues(overrides map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	if p.Parameters != nil {
		for k, v := range p.Parameters.Values {
			out[k] = v
		}
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Dependencies returns every task name t depends on, in declaration order
// and without duplicates.
func (t *Task) Dependencies() []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(names ...string) {
		for _, n := range names {
			if n != "" && !seen[n] {
				seen[n] = true
				deps = append(deps, n)
			}
		}
	}
	add(t.Map)
	add(t.Inputs...)
	add(t.WaitFor...)
	add(t.AllowFailure...)
	return deps
}

// GetRetryPolicy converts the retry block into a retry.Policy. No block
// means a single attempt.
func (t *Task) GetRetryPolicy() retry.Policy {
	if t.Retry == nil {
		return retry.Policy{MaxAttempts: 1}
	}
	p := retry.Policy{
		MaxAttempts: t.Retry.MaxAttempts,
		Delay:       parseDurationOrZero(t.Retry.Delay),
		MaxDelay:    parseDurationOrZero(t.Retry.MaxDelay),
	}
	if t.Retry.BackoffFactor != nil && *t.Retry.BackoffFactor >= 1.0 {
		p.BackoffFactor = *t.Retry.BackoffFactor
	}
	if t.Retry.Jitter != nil {
		jitter := *t.Retry.Jitter
		if jitter < 0.0 {
			jitter = 0.0
		} else if jitter > 1.0 {
			jitter = 1.0
		}
		p.Jitter = jitter
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// GetTimeout returns the configured task-specific timeout duration, or 0 if unset/invalid.
func (t *Task) GetTimeout() time.Duration {
	return parseDurationOrZero(t.Timeout)
}

// GetCacheTTL returns the cache expiry, 0 meaning none.
func (t *Task) GetCacheTTL() time.Duration {
	if t.Cache == nil {
		return 0
	}
	return parseDurationOrZero(t.Cache.TTL)
}

func parseDurationOrZero(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
