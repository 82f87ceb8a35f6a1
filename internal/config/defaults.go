package config

import (
	"fmt"

	"dario.cat/mergo"
)

// ApplyDefaults merges the plan's defaults block into every task. Fields a
// task sets win; nested retry and cache blocks are merged field by field.
func ApplyDefaults(p *Plan) error {
	if p.Defaults == nil {
		return nil
	}
	for i := range p.Tasks {
		task := &p.Tasks[i]
		// Each task gets its own copy so later merges never alias.
		defaults := Task{
			Retry:   cloneRetry(p.Defaults.Retry),
			Cache:   cloneCache(p.Defaults.Cache),
			Tags:    append([]string(nil), p.Defaults.Tags...),
			Timeout: p.Defaults.Timeout,
		}
		if err := mergo.Merge(task, defaults); err != nil {
			return fmt.Errorf("task '%s': %w", task.Name, err)
		}
	}
	return nil
}

func cloneRetry(r *RetryConfig) *RetryConfig {
	if r == nil {
		return nil
	}
	c := *r
	if r.BackoffFactor != nil {
		v := *r.BackoffFactor
		c.BackoffFactor = &v
	}
	if r.Jitter != nil {
		v := *r.Jitter
		c.Jitter = &v
	}
	return &c
}

func cloneCache(c *CacheConfig) *CacheConfig {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}
