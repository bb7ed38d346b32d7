package ratelimiter

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	assert.Nil(t, New(0, 1, time.Minute))
	assert.Nil(t, New(1, 0, time.Minute))

	var l *Limiter
	assert.True(t, l.Allow("acc-1", time.Now()))
	assert.Equal(t, 0, l.Len())
}

func TestAllowEnforcesBurstPerKey(t *testing.T) {
	t.Parallel()

	l := New(1, 2, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, l.Allow("acc-1", now))
	assert.True(t, l.Allow("acc-1", now))
	assert.False(t, l.Allow("acc-1", now))

	assert.True(t, l.Allow("acc-2", now), "buckets are independent per key")
	assert.True(t, l.Allow("acc-1", now.Add(time.Second)), "tokens refill over time")
	assert.True(t, l.Allow("  ", now), "blank keys are not limited")
}

func TestAllowEvictsIdleKeys(t *testing.T) {
	t.Parallel()

	l := New(100, 100, time.Second)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < sweepEvery-1; i++ {
		l.Allow("key-"+strconv.Itoa(i), start)
	}
	assert.Equal(t, sweepEvery-1, l.Len())

	l.Allow("fresh", start.Add(time.Minute))
	assert.Equal(t, 1, l.Len())
}
