package indexapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		SubmitEndpoint:  srv.URL + "/submit",
		InspectEndpoint: srv.URL + "/inspect",
		UserAgent:       "indexer-test",
	}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

var testSite = store.Site{ID: "site-1", URL: "sc-domain:example.com", CredentialRef: "token-123"}

func TestSubmitSendsUpdateNotification(t *testing.T) {
	t.Parallel()

	var got submitRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/submit", r.URL.Path)
		require.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		require.Equal(t, "indexer-test", r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	require.NoError(t, c.Submit(context.Background(), testSite, "https://example.com/a"))
	require.Equal(t, submitRequest{URL: "https://example.com/a", Type: "URL_UPDATED"}, got)
}

func TestSubmitRateLimited(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("quota exhausted"))
	})

	err := c.Submit(context.Background(), testSite, "https://example.com/a")
	require.Error(t, err)
	require.True(t, IsRateLimited(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "quota exhausted", apiErr.Body)

	delay, ok := RetryAfterOf(err)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, delay)
}

func TestSubmitServerErrorIsNotRateLimited(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.Submit(context.Background(), testSite, "https://example.com/a")
	require.Error(t, err)
	require.False(t, IsRateLimited(err))
	_, ok := RetryAfterOf(err)
	require.False(t, ok)
}

func TestInspectReturnsCoverageState(t *testing.T) {
	t.Parallel()

	var got inspectRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/inspect", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"inspectionResult":{"indexStatusResult":{"verdict":"PASS","coverageState":"Submitted and indexed"}}}`))
	})

	state, err := c.Inspect(context.Background(), testSite, "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, "Submitted and indexed", state)
	require.Equal(t, inspectRequest{InspectionURL: "https://example.com/a", SiteURL: "sc-domain:example.com"}, got)
	require.Equal(t, store.StatusIndexed, MapIndexStatus(state))
}

func TestInspectMalformedBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := c.Inspect(context.Background(), testSite, "https://example.com/a")
	require.ErrorContains(t, err, "decode inspection")
}

func TestNewRequiresEndpoints(t *testing.T) {
	t.Parallel()

	_, err := New(Config{SubmitEndpoint: "https://api.example.com/submit"})
	require.Error(t, err)
}

func TestCustomRetryAfterParser(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{SubmitEndpoint: srv.URL, InspectEndpoint: srv.URL},
		WithHTTPClient(srv.Client()),
		WithRetryAfterParser(func(string, time.Time) (time.Duration, bool) { return time.Minute, true }))
	require.NoError(t, err)

	err = c.Submit(context.Background(), testSite, "https://example.com/a")
	delay, ok := RetryAfterOf(err)
	require.True(t, ok)
	require.Equal(t, time.Minute, delay)
}
