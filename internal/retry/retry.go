package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gxo-labs/flowcore/internal/template"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
)

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Policy describes how often and how patiently a failing task is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts; 0 and 1 both mean a single try.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	// Delay is the wait before the second attempt.
	Delay time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	// BackoffFactor > 1 multiplies the delay after every failed attempt.
	BackoffFactor float64 `yaml:"backoff_factor,omitempty" json:"backoff_factor,omitempty"`
	// MaxDelay caps the computed delay when positive.
	MaxDelay time.Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	// Jitter in [0,1] randomizes each delay by +/- that fraction.
	Jitter float64 `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	// Backoff, when set, replaces Delay/BackoffFactor: it receives the number
	// of the attempt that just failed and returns the wait before the next.
	Backoff func(failedAttempt int) time.Duration `yaml:"-" json:"-"`
}

// Attempts returns the normalized attempt budget.
func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Config is a Policy plus the hooks of a single Do call.
type Config struct {
	Policy
	TaskName string
	// Retryable decides whether an error may be retried. Defaults to
	// DefaultRetryable.
	Retryable func(error) bool
	// OnRetry runs after a failed attempt and before the delay. A non-nil
	// return aborts the loop with that error.
	OnRetry func(failedAttempt int, delay time.Duration, err error) error
	// Sleep waits for d. It defaults to a timer racing ctx; cooperative
	// schedulers substitute one that yields the processor while waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryable refuses crashes, cancellations and validation errors.
func DefaultRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case fcerrors.IsCrash(err), fcerrors.IsCancelled(err), fcerrors.IsValidation(err):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Helper runs operations under a retry policy.
type Helper struct {
	log              fclog.Logger
	mu               sync.Mutex
	randSource       *rand.Rand
	redactedKeywords map[string]struct{}
}

func NewHelper(log fclog.Logger) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{
		log:              log,
		randSource:       rand.New(rand.NewSource(time.Now().UnixNano())),
		redactedKeywords: make(map[string]struct{}),
	}
}

func (h *Helper) SetRedactedKeywords(keywords map[string]struct{}) {
	h.redactedKeywords = keywords
}

// NextDelay computes the wait after failedAttempt under p.
func (h *Helper) NextDelay(p Policy, failedAttempt int) time.Duration {
	if p.Backoff != nil {
		d := p.Backoff(failedAttempt)
		if d < 0 {
			return 0
		}
		return d
	}
	factor := p.BackoffFactor
	if factor < 1.0 {
		factor = 1.0
	}
	base := float64(p.Delay)
	if base < 0 {
		base = 0
	}
	if factor > 1.0 {
		base *= math.Pow(factor, float64(failedAttempt-1))
	}
	if base > float64(math.MaxInt64) {
		base = float64(math.MaxInt64)
	}
	wait := time.Duration(base)

	jitter := math.Min(math.Max(p.Jitter, 0), 1)
	if jitter > 0 {
		h.mu.Lock()
		r := h.randSource.Float64()
		h.mu.Unlock()
		wait += time.Duration(float64(wait) * jitter * (r*2.0 - 1.0))
		if wait < 0 {
			wait = 0
		}
	}
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return wait
}

// Do runs op until it succeeds, the budget is spent, the error is not
// retryable or ctx is done. It returns the number of attempts made and the
// last error.
func (h *Helper) Do(ctx context.Context, cfg Config, op Operation) (int, error) {
	maxAttempts := cfg.Attempts()
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	logPrefix := ""
	if cfg.TaskName != "" {
		logPrefix = fmt.Sprintf("task=%s ", cfg.TaskName)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			h.log.Warnf("%sRetry attempt %d/%d cancelled before start: %v", logPrefix, attempt, maxAttempts, ctxErr)
			if lastErr == nil {
				return attempt - 1, ctxErr
			}
			return attempt - 1, lastErr
		}

		err := op(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				h.log.Infof("%sOperation succeeded on attempt %d/%d", logPrefix, attempt, maxAttempts)
			}
			return attempt, nil
		}
		lastErr = err

		if attempt == maxAttempts || !retryable(err) {
			if attempt > 1 || maxAttempts > 1 {
				h.log.Errorf("%sOperation failed definitively after %d attempt(s): %v",
					logPrefix, attempt, template.RedactSecretsInError(err, h.redactedKeywords))
			}
			return attempt, err
		}

		wait := h.NextDelay(cfg.Policy, attempt)
		h.log.Warnf("%sOperation failed on attempt %d/%d (retrying in %v): %v",
			logPrefix, attempt, maxAttempts, wait.Truncate(time.Millisecond),
			template.RedactSecretsInError(err, h.redactedKeywords))

		if cfg.OnRetry != nil {
			if hookErr := cfg.OnRetry(attempt, wait, err); hookErr != nil {
				return attempt, hookErr
			}
		}
		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			h.log.Warnf("%sRetry delay for attempt %d/%d cancelled: %v", logPrefix, attempt+1, maxAttempts, sleepErr)
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}
