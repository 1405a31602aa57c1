package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: the first token is immediate, the next arrives in ~100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()
	key := Key("site-a", "submission")

	require.NoError(t, l.Wait(ctx, key))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, key))
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentKeys(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, Key("a", "submission")))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, Key("b", "submission")))
	require.NoError(t, l.Wait(ctx, Key("a", "verification")))
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("independent keys blocked unexpectedly")
	}
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.True(t, l.Allow("k"))
	require.False(t, l.Allow("k"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "k"))
}

func TestLimiter_UnlimitedWhenRateUnset(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("k"))
	}
	l.SetRate("k", 0.01)
	require.True(t, l.Allow("k"))
}
