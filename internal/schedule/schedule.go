// Package schedule triggers flow runs from a cron expression or at a single
// point in time.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
	"github.com/robfig/cron/v3"
)

// ErrInvalidCronSpec is returned when a cron expression cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// RunFunc starts one run. Its error is logged; it never stops the schedule.
type RunFunc func(ctx context.Context) error

// Schedule yields the next activation strictly after t; the zero time means
// there is none.
type Schedule interface {
	Next(t time.Time) time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field expression or a descriptor such as "@hourly".
func ParseCron(spec string) (Schedule, error) {
	s, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}
	return s, nil
}

type once struct {
	at time.Time
}

func (o once) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// At fires once at t. A time already in the past fires immediately.
func At(t time.Time) Schedule {
	return once{at: t}
}

// Trigger runs a RunFunc on a Schedule.
type Trigger struct {
	schedule Schedule
	run      RunFunc
	log      fclog.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

// NewTrigger creates a trigger.
func NewTrigger(s Schedule, run RunFunc, log fclog.Logger) (*Trigger, error) {
	if s == nil || run == nil || log == nil {
		return nil, fmt.Errorf("schedule, run func and logger are required")
	}
	return &Trigger{schedule: s, run: run, log: log, now: time.Now, after: time.After}, nil
}

// NextRun returns the next activation from now.
func (tr *Trigger) NextRun() time.Time {
	return tr.schedule.Next(tr.now())
}

// Run blocks until ctx is done or the schedule has no further activation,
// starting one run per activation. Runs never overlap: an activation that
// passes while a run is in progress is skipped.
func (tr *Trigger) Run(ctx context.Context) error {
	last := tr.now().Add(-time.Nanosecond)
	if o, ok := tr.schedule.(once); ok && !o.at.After(last) {
		last = o.at.Add(-time.Nanosecond)
	}
	for {
		next := tr.schedule.Next(last)
		if next.IsZero() {
			tr.log.Infof("Schedule has no further activations")
			return nil
		}
		wait := next.Sub(tr.now())
		tr.log.Debugf("Next scheduled run at %s (in %v)", next.Format(time.RFC3339), wait.Truncate(time.Second))
		if wait > 0 {
			select {
			case <-ctx.Done():
				tr.log.Infof("Scheduler shutting down")
				return ctx.Err()
			case <-tr.after(wait):
			}
		}

		tr.log.Infof("Starting scheduled run")
		if err := tr.run(ctx); err != nil {
			tr.log.Warnf("Scheduled run completed with error: %v", err)
		} else {
			tr.log.Infof("Scheduled run completed successfully")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = next
		if now := tr.now(); now.After(last) {
			last = now
		}
	}
}
