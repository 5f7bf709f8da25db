package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	_, err := ParseCron("*/5 * * * *")
	require.NoError(t, err)

	_, err = ParseCron("@hourly")
	assert.ErrorContains(t, err, "5-field")

	_, err = ParseCron("* * * *")
	assert.ErrorContains(t, err, "invalid cron expression")
}

func TestNextOccurrences(t *testing.T) {
	schedule, err := ParseCron("0 9 * * *")
	require.NoError(t, err)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	times := NextOccurrences(schedule, base, 3)
	require.Len(t, times, 3)
	assert.Equal(t, time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC), times[0])
	assert.Equal(t, time.Date(2024, 5, 4, 9, 0, 0, 0, time.UTC), times[2])
}

func TestDelayUntilCron(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 15, 30, 0, time.UTC)

	d, err := DelayUntilCron("30 10 * * *", now)
	require.NoError(t, err)
	ms, err := d.Millis()
	require.NoError(t, err)
	assert.EqualValues(t, (14*time.Minute + 30*time.Second).Milliseconds(), ms)

	_, err = DelayUntilCron("@daily", now)
	assert.Error(t, err)
}
