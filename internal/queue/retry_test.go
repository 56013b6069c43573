package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyFixedSchedule(t *testing.T) {
	p, err := NewRetryPolicy(nil)
	require.NoError(t, err)

	tests := []struct {
		attempts int
		max      int
		want     Decision
	}{
		{1, 3, Decision{Delay: 60 * time.Second}},
		{2, 3, Decision{Delay: 300 * time.Second}},
		{3, 3, Decision{Final: true}},
		{4, 3, Decision{Final: true}},
		{3, 5, Decision{Delay: 900 * time.Second}},
		{4, 5, Decision{Delay: 900 * time.Second}},
		{1, 1, Decision{Final: true}},
		{2, 0, Decision{Delay: 300 * time.Second}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Decide(tt.attempts, tt.max), "attempts=%d max=%d", tt.attempts, tt.max)
	}
}

func TestRetryPolicyIsPure(t *testing.T) {
	p, err := NewRetryPolicy(nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 300*time.Second, p.Decide(2, 3).Delay)
	}
}

func TestRetryPolicyCustomSchedule(t *testing.T) {
	p, err := NewRetryPolicy(ScheduleFromSeconds([]int{10, 20}))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, p.Delay(1))
	assert.Equal(t, 20*time.Second, p.Delay(2))
	assert.Equal(t, 20*time.Second, p.Delay(7))
	assert.Equal(t, 10*time.Second, p.Delay(0))

	_, err = NewRetryPolicy([]time.Duration{time.Second, 0})
	assert.Error(t, err)
}

func TestRetryPolicyDoesNotAliasInput(t *testing.T) {
	schedule := []time.Duration{time.Second}
	p, err := NewRetryPolicy(schedule)
	require.NoError(t, err)
	schedule[0] = time.Hour
	assert.Equal(t, time.Second, p.Delay(1))
}
