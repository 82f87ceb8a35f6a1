package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gxo-labs/flowcore/internal/template"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
)

var taskNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var validModes = map[string]bool{"": true, "sequential": true, "cooperative": true, "parallel": true}

// ValidatePlanStructure checks the rules JSON schema cannot express: unique
// names, resolvable references, durations and template syntax. It returns
// every problem found.
func ValidatePlanStructure(p *Plan) []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fcerrors.NewValidationError(fmt.Sprintf(format, args...), nil))
	}

	if len(p.Tasks) == 0 {
		add("plan must contain at least one task in 'tasks' list")
	}
	if !validModes[p.Mode] {
		add("plan mode '%s' is not one of sequential, cooperative, parallel", p.Mode)
	}
	if p.Workers < 0 {
		add("plan workers cannot be negative")
	}
	if p.Retries < 0 {
		add("plan retries cannot be negative")
	}
	errs = appendDurationErr(errs, "plan timeout", p.Timeout)
	errs = appendDurationErr(errs, "plan retry_delay", p.RetryDelay)
	for tag, n := range p.ConcurrencyLimits {
		if strings.TrimSpace(tag) == "" {
			add("concurrency_limits: tag names cannot be empty")
		} else if n <= 0 {
			add("concurrency_limits: limit of tag '%s' must be positive", tag)
		}
	}
	if p.Defaults != nil {
		errs = append(errs, validateRetry("defaults", p.Defaults.Retry)...)
		errs = append(errs, validateCache("defaults", p.Defaults.Cache)...)
		errs = appendDurationErr(errs, "defaults timeout", p.Defaults.Timeout)
	}

	names := make(map[string]int, len(p.Tasks))
	for i := range p.Tasks {
		task := &p.Tasks[i]
		display := fmt.Sprintf("task %d ('%s')", i, task.Name)
		if !taskNameRegex.MatchString(task.Name) {
			add("%s: name contains invalid characters (allowed: alphanumeric, underscore, hyphen)", display)
		}
		if prev, exists := names[task.Name]; exists {
			add("%s: duplicate task name, first defined by task %d", display, prev)
		} else {
			names[task.Name] = i
		}
	}

	for i := range p.Tasks {
		task := &p.Tasks[i]
		display := fmt.Sprintf("task %d ('%s')", i, task.Name)
		if strings.TrimSpace(task.Type) == "" {
			add("%s: 'type' is required", display)
		}
		checkRefs := func(field string, refs []string) {
			for _, ref := range refs {
				if ref == task.Name {
					add("%s: %s cannot reference the task itself", display, field)
				} else if _, ok := names[ref]; !ok {
					add("%s: %s references unknown task '%s'", display, field, ref)
				}
			}
		}
		if task.Map != "" {
			checkRefs("map", []string{task.Map})
		}
		checkRefs("inputs", task.Inputs)
		checkRefs("wait_for", task.WaitFor)
		checkRefs("allow_failure", task.AllowFailure)

		errs = appendDurationErr(errs, display+" timeout", task.Timeout)
		errs = append(errs, validateRetry(display, task.Retry)...)
		errs = append(errs, validateCache(display, task.Cache)...)
		for _, tag := range task.Tags {
			if strings.TrimSpace(tag) == "" {
				add("%s: tags cannot be empty", display)
			}
		}

		for _, ref := range TemplateInputs(task) {
			if ref == task.Name {
				add("%s: template references its own result '.inputs.%s'", display, ref)
			} else if _, ok := names[ref]; !ok {
				add("%s: template references unknown task '.inputs.%s'", display, ref)
			}
		}
		walkStrings(task.Params, func(path, s string) {
			if !template.IsTemplate(s) {
				return
			}
			if err := template.CheckSyntax(s); err != nil {
				add("%s: parameter '%s' has invalid template syntax: %v", display, path, err)
			}
		})
	}
	return errs
}

// TemplateInputs lists the upstream task names a task's parameter templates
// read through `.inputs.<name>`, sorted and without duplicates.
func TemplateInputs(task *Task) []string {
	renderer := template.NewGoRenderer(nil, nil, nil)
	found := make(map[string]bool)
	walkStrings(task.Params, func(_, s string) {
		if !template.IsTemplate(s) {
			return
		}
		vars, _ := renderer.ExtractVariables(s)
		for _, v := range vars {
			parts := strings.SplitN(v, ".", 3)
			if len(parts) >= 2 && parts[0] == "inputs" {
				found[parts[1]] = true
			}
		}
	})
	out := make([]string, 0, len(found))
	for name := range found {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func walkStrings(value interface{}, visit func(path, s string)) {
	var walk func(path string, v interface{})
	walk = func(path string, v interface{}) {
		switch typed := v.(type) {
		case string:
			visit(path, typed)
		case map[string]interface{}:
			for k, child := range typed {
				walk(joinPath(path, k), child)
			}
		case []interface{}:
			for i, child := range typed {
				walk(fmt.Sprintf("%s[%d]", path, i), child)
			}
		}
	}
	walk("", value)
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func validateRetry(display string, r *RetryConfig) []error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.MaxAttempts < 0 {
		errs = append(errs, fcerrors.NewValidationError(fmt.Sprintf("%s: retry max_attempts cannot be negative", display), nil))
	}
	if r.BackoffFactor != nil && *r.BackoffFactor < 1.0 {
		errs = append(errs, fcerrors.NewValidationError(fmt.Sprintf("%s: retry backoff_factor must be >= 1.0", display), nil))
	}
	if r.Jitter != nil && (*r.Jitter < 0.0 || *r.Jitter > 1.0) {
		errs = append(errs, fcerrors.NewValidationError(fmt.Sprintf("%s: retry jitter must be between 0.0 and 1.0", display), nil))
	}
	errs = appendDurationErr(errs, display+" retry delay", r.Delay)
	errs = appendDurationErr(errs, display+" retry max_delay", r.MaxDelay)
	return errs
}

func validateCache(display string, c *CacheConfig) []error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Scope != "" && c.Scope != "process" && c.Scope != "run" {
		errs = append(errs, fcerrors.NewValidationError(fmt.Sprintf("%s: cache scope '%s' is not one of process, run", display, c.Scope), nil))
	}
	return appendDurationErr(errs, display+" cache ttl", c.TTL)
}

func appendDurationErr(errs []error, what, value string) []error {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, fcerrors.NewValidationError(fmt.Sprintf("%s: invalid duration '%s'", what, value), err))
	}
	if d < 0 {
		return append(errs, fcerrors.NewValidationError(fmt.Sprintf("%s cannot be negative", what), nil))
	}
	return errs
}
