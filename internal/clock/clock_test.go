package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAfterAdvancesTime(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	fired := <-f.After(20 * time.Second)

	assert.Equal(t, start.Add(20*time.Second), fired)
	assert.Equal(t, start.Add(20*time.Second), f.Now())
	assert.Equal(t, 20*time.Second, f.Slept())
	assert.Equal(t, 1, f.Sleeps())
}

func TestFakeAdvanceDoesNotCountAsSleep(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	f.Advance(time.Minute)

	assert.Equal(t, start.Add(time.Minute), f.Now())
	assert.Zero(t, f.Slept())
	assert.Zero(t, f.Sleeps())
}
