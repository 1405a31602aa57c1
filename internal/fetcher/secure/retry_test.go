package secure

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemap-indexer/internal/policy/netguard"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(2, time.Millisecond, 10*time.Millisecond)

	require.True(t, p.ShouldRetry(nil, http.StatusServiceUnavailable, 0))
	require.True(t, p.ShouldRetry(errors.New("connection reset"), 0, 1))
	require.False(t, p.ShouldRetry(nil, http.StatusServiceUnavailable, 2), "attempt ceiling")
	require.False(t, p.ShouldRetry(nil, http.StatusNotFound, 0))
	require.False(t, p.ShouldRetry(nil, http.StatusForbidden, 0))
	require.False(t, p.ShouldRetry(context.Canceled, 0, 0))
	require.False(t, p.ShouldRetry(&netguard.PolicyViolation{Reason: "private address"}, 0, 0))
	require.False(t, p.ShouldRetry(ErrUnpinnedAddress, 0, 0))
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 100*time.Millisecond, 400*time.Millisecond)
	for attempt := 0; attempt < 5; attempt++ {
		d := p.Backoff(attempt, 0)
		require.Positive(t, d)
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
	require.Equal(t, 400*time.Millisecond, p.Backoff(0, time.Hour), "retry-after is capped")
}

func TestIsTransientStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{408, 425, 429, 500, 502, 503, 504} {
		require.True(t, IsTransientStatus(code), code)
	}
	for _, code := range []int{200, 301, 400, 403, 404, 501} {
		require.False(t, IsTransientStatus(code), code)
	}
}
