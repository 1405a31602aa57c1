package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ago(now time.Time, days float64) *time.Time {
	t := now.Add(-time.Duration(days * float64(24*time.Hour)))
	return &t
}

func TestAutoPriorityBands(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		days float64
		want int
	}{
		{-3, 100},
		{0, 100},
		{1, 100},
		{2, 85},
		{7, 80},
		{8, 80},
		{10, 70},
		{16, 70},
		{17, 60},
		{24, 50},
		{30, 50},
		{40, 50},
		{60, 40},
		{90, 30},
		{150, 10},
		{3650, 10},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, AutoPriority(ago(now, tc.days), now), "age %v days", tc.days)
	}
	require.Equal(t, 10, AutoPriority(nil, now))
}

func TestAutoPriorityIsMonotonic(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	prev := AutoPriority(ago(now, 0), now)
	for hours := 1; hours <= 24*400; hours++ {
		lastmod := now.Add(-time.Duration(hours) * time.Hour)
		p := AutoPriority(&lastmod, now)
		require.LessOrEqual(t, p, prev, "age %d hours", hours)
		require.GreaterOrEqual(t, p, FloorPriority)
		prev = p
	}
	require.GreaterOrEqual(t, AutoPriority(ago(now, 1), now), AutoPriority(ago(now, 10), now))
	require.GreaterOrEqual(t, AutoPriority(ago(now, 10), now), AutoPriority(ago(now, 40), now))
}

func TestEffective(t *testing.T) {
	t.Parallel()

	manual := 3
	require.Equal(t, 3, Effective(100, &manual))
	require.Equal(t, 100, Effective(100, nil))
	require.True(t, ValidManual(1))
	require.True(t, ValidManual(100))
	require.False(t, ValidManual(0))
	require.False(t, ValidManual(101))
}
