package queue

import (
	"fmt"
	"time"
)

// DefaultRetrySchedule is the fixed delay table applied after each failed attempt.
// The last entry is reused for attempts beyond the table.
var DefaultRetrySchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// Decision is the outcome of evaluating a failed attempt
type Decision struct {
	// Final is true when no further attempt is allowed
	Final bool
	// Delay until the next attempt, zero when Final
	Delay time.Duration
}

// RetryPolicy maps an attempt count to the delay before the next attempt.
// It is a pure function of its inputs.
type RetryPolicy struct {
	schedule []time.Duration
}

// NewRetryPolicy returns a policy using schedule, or the default table when empty
func NewRetryPolicy(schedule []time.Duration) (RetryPolicy, error) {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	for i, d := range schedule {
		if d <= 0 {
			return RetryPolicy{}, fmt.Errorf("retry schedule entry %d must be positive, got %s", i, d)
		}
	}
	cp := make([]time.Duration, len(schedule))
	copy(cp, schedule)
	return RetryPolicy{schedule: cp}, nil
}

// ScheduleFromSeconds converts a configured list of seconds into durations
func ScheduleFromSeconds(seconds []int) []time.Duration {
	out := make([]time.Duration, 0, len(seconds))
	for _, s := range seconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

// Decide evaluates a failure. attempts is the count including the attempt that
// just failed.
func (p RetryPolicy) Decide(attempts, maxAttempts int) Decision {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if attempts >= maxAttempts {
		return Decision{Final: true}
	}
	return Decision{Delay: p.Delay(attempts)}
}

// Delay returns the table entry for attempts, clamped to the table bounds
func (p RetryPolicy) Delay(attempts int) time.Duration {
	schedule := p.schedule
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}
