package scheduler

import (
	"fmt"
	"time"
)

// Schedule kinds.
const (
	KindAt    = "at"    // one-shot at an RFC3339 timestamp
	KindEvery = "every" // fixed interval, Go duration syntax
	KindCron  = "cron"  // 5-field cron expression, UTC
)

// ValidateSchedule checks that kind/expr parse. Called on job creation so
// malformed schedules never reach the dispatch loop.
func ValidateSchedule(kind, expr string) error {
	switch kind {
	case KindAt:
		if _, err := time.Parse(time.RFC3339, expr); err != nil {
			return fmt.Errorf("scheduler: at schedule: %w", err)
		}
	case KindEvery:
		d, err := time.ParseDuration(expr)
		if err != nil {
			return fmt.Errorf("scheduler: every schedule: %w", err)
		}
		if d < time.Second {
			return fmt.Errorf("scheduler: every schedule interval %s below 1s", d)
		}
	case KindCron:
		if _, err := parseCron(expr); err != nil {
			return fmt.Errorf("scheduler: cron schedule: %w", err)
		}
	default:
		return fmt.Errorf("scheduler: unknown schedule kind %q", kind)
	}
	return nil
}

// ComputeNextRunAtMs returns the next run for a schedule strictly after
// fromMS, or 0 when the schedule has no further runs.
func ComputeNextRunAtMs(kind, expr string, fromMS int64) (int64, error) {
	switch kind {
	case KindAt:
		t, err := time.Parse(time.RFC3339, expr)
		if err != nil {
			return 0, fmt.Errorf("scheduler: at schedule: %w", err)
		}
		ms := t.UnixMilli()
		if ms <= fromMS {
			return 0, nil
		}
		return ms, nil

	case KindEvery:
		d, err := time.ParseDuration(expr)
		if err != nil {
			return 0, fmt.Errorf("scheduler: every schedule: %w", err)
		}
		return fromMS + d.Milliseconds(), nil

	case KindCron:
		sched, err := parseCron(expr)
		if err != nil {
			return 0, fmt.Errorf("scheduler: cron schedule: %w", err)
		}
		next := sched.Next(time.UnixMilli(fromMS))
		if next.IsZero() {
			return 0, nil
		}
		return next.UnixMilli(), nil

	default:
		return 0, fmt.Errorf("scheduler: unknown schedule kind %q", kind)
	}
}
