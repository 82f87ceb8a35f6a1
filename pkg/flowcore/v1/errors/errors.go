package errors

import (
	"errors"
	"fmt"
	"strings"
)

// --- flowcore Error Types ---

// ConfigError represents an error encountered while loading or validating a
// plan, an engine option or a task/flow definition.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that flow parameters, a plan document or a graph
// construction request failed validation. Problems carries every individual
// finding so callers see all of them at once.
type ValidationError struct {
	Message  string
	Problems []string
	Cause    error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}

// NewAggregateValidationError builds a single ValidationError from a list of findings.
func NewAggregateValidationError(subject string, problems []string) *ValidationError {
	return &ValidationError{
		Message:  fmt.Sprintf("%s has %d validation error(s)", subject, len(problems)),
		Problems: problems,
	}
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation error: ")
	b.WriteString(e.Message)
	if len(e.Problems) > 0 {
		b.WriteString(":\n- ")
		b.WriteString(strings.Join(e.Problems, "\n- "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// TaskFailure is a failure raised by a task body. It is retryable under the
// task's retry policy; once attempts are exhausted the node ends Failed.
type TaskFailure struct {
	TaskName string
	NodeID   string
	Attempts int
	Cause    error
}

func NewTaskFailure(taskName, nodeID string, attempts int, cause error) *TaskFailure {
	return &TaskFailure{TaskName: taskName, NodeID: nodeID, Attempts: attempts, Cause: cause}
}
func (e *TaskFailure) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("task '%s' failed after %d attempts: %v", e.TaskName, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("task '%s' failed: %v", e.TaskName, e.Cause)
}
func (e *TaskFailure) Unwrap() error { return e.Cause }

// InfrastructureCrash signals that the execution environment itself broke
// (a panic inside the attempt boundary, a lost process). It is never retried.
type InfrastructureCrash struct {
	TaskName string
	NodeID   string
	Cause    error
}

func NewInfrastructureCrash(taskName, nodeID string, cause error) *InfrastructureCrash {
	return &InfrastructureCrash{TaskName: taskName, NodeID: nodeID, Cause: cause}
}
func (e *InfrastructureCrash) Error() string {
	if e.TaskName == "" {
		return fmt.Sprintf("infrastructure crash: %v", e.Cause)
	}
	return fmt.Sprintf("task '%s' crashed: %v", e.TaskName, e.Cause)
}
func (e *InfrastructureCrash) Unwrap() error { return e.Cause }

// DependencyNotReady is the terminal error of a node whose strict upstream
// did not complete.
type DependencyNotReady struct {
	TaskName      string
	NodeID        string
	Upstream      string
	UpstreamState string
}

func NewDependencyNotReady(taskName, nodeID, upstream, upstreamState string) *DependencyNotReady {
	return &DependencyNotReady{TaskName: taskName, NodeID: nodeID, Upstream: upstream, UpstreamState: upstreamState}
}
func (e *DependencyNotReady) Error() string {
	return fmt.Sprintf("task '%s' not ready: upstream '%s' ended %s", e.TaskName, e.Upstream, e.UpstreamState)
}

// CancellationRequested marks work stopped by an explicit cancel or a deadline.
type CancellationRequested struct {
	Reason string
	Cause  error
}

func NewCancellationRequested(reason string, cause error) *CancellationRequested {
	return &CancellationRequested{Reason: reason, Cause: cause}
}
func (e *CancellationRequested) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cancellation requested (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("cancellation requested (%s)", e.Reason)
}
func (e *CancellationRequested) Unwrap() error { return e.Cause }

// IllegalTransitionError is raised (as a panic value) when code asks the
// state machine for a transition outside the legal graph.
type IllegalTransitionError struct {
	NodeID string
	From   string
	To     string
}

func NewIllegalTransitionError(nodeID, from, to string) *IllegalTransitionError {
	return &IllegalTransitionError{NodeID: nodeID, From: from, To: to}
}
func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition for node %s: %s -> %s", e.NodeID, e.From, e.To)
}

// ModuleNotFoundError indicates that a task kind named in a plan could not
// be found in the plugin registry.
type ModuleNotFoundError struct {
	ModuleName string
}

func NewModuleNotFoundError(moduleName string) *ModuleNotFoundError {
	return &ModuleNotFoundError{ModuleName: moduleName}
}
func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("plugin module not found: %s", e.ModuleName)
}

// IsTaskFailure reports whether err wraps a TaskFailure.
func IsTaskFailure(err error) bool {
	var target *TaskFailure
	return errors.As(err, &target)
}

// IsCrash reports whether err wraps an InfrastructureCrash.
func IsCrash(err error) bool {
	var target *InfrastructureCrash
	return errors.As(err, &target)
}

// IsNotReady reports whether err wraps a DependencyNotReady.
func IsNotReady(err error) bool {
	var target *DependencyNotReady
	return errors.As(err, &target)
}

// IsCancelled reports whether err wraps a CancellationRequested.
func IsCancelled(err error) bool {
	var target *CancellationRequested
	return errors.As(err, &target)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
