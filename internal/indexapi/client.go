// Package indexapi calls the remote URL submission and index inspection
// services and maps their vocabulary onto store.IndexStatus.
package indexapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 4 << 10
)

// APIError is a non-2xx answer from a remote service.
type APIError struct {
	StatusCode int
	// RetryAfter is the parsed Retry-After delay; HasRetryAfter reports whether the header was sent.
	RetryAfter    time.Duration
	HasRetryAfter bool
	// Body is a truncated copy of the response body.
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("index api: status %d", e.StatusCode)
}

// IsRateLimited reports whether err is a 429 from a remote service.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// RetryAfterOf extracts the throttling hint from err.
func RetryAfterOf(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter, apiErr.HasRetryAfter
	}
	return 0, false
}

// RetryAfterParser turns a Retry-After header into a delay.
type RetryAfterParser func(header string, now time.Time) (time.Duration, bool)

// Config configures the clients.
type Config struct {
	SubmitEndpoint  string
	InspectEndpoint string
	Timeout         time.Duration
	UserAgent       string
}

// Submitter notifies the indexing service about an updated URL.
type Submitter interface {
	Submit(ctx context.Context, site store.Site, pageURL string) error
}

// Inspector asks the inspection service for a URL's coverage state.
type Inspector interface {
	Inspect(ctx context.Context, site store.Site, pageURL string) (string, error)
}

var (
	_ Submitter = (*Client)(nil)
	_ Inspector = (*Client)(nil)
)

// Client implements both Submitter and Inspector over JSON HTTP.
type Client struct {
	http       *http.Client
	cfg        Config
	retryAfter RetryAfterParser
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithRetryAfterParser sets how Retry-After headers are read.
func WithRetryAfterParser(p RetryAfterParser) Option {
	return func(cl *Client) {
		if p != nil {
			cl.retryAfter = p
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cl *Client) {
		cl.logger = logging.OrNop(logger).Named("indexapi")
	}
}

// New constructs a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.SubmitEndpoint == "" || cfg.InspectEndpoint == "" {
		return nil, errors.New("index api endpoints are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		retryAfter: parseSeconds,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type submitRequest struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type inspectRequest struct {
	InspectionURL string `json:"inspectionUrl"`
	SiteURL       string `json:"siteUrl"`
}

type inspectResponse struct {
	InspectionResult struct {
		IndexStatusResult struct {
			CoverageState string `json:"coverageState"`
			Verdict       string `json:"verdict"`
		} `json:"indexStatusResult"`
	} `json:"inspectionResult"`
}

// Submit notifies the indexing service that pageURL was updated.
func (c *Client) Submit(ctx context.Context, site store.Site, pageURL string) error {
	_, err := c.post(ctx, c.cfg.SubmitEndpoint, site.CredentialRef, submitRequest{URL: pageURL, Type: "URL_UPDATED"})
	if err != nil {
		return fmt.Errorf("submit url: %w", err)
	}
	return nil
}

// Inspect asks the inspection service for pageURL's coverage state.
func (c *Client) Inspect(ctx context.Context, site store.Site, pageURL string) (string, error) {
	body, err := c.post(ctx, c.cfg.InspectEndpoint, site.CredentialRef, inspectRequest{InspectionURL: pageURL, SiteURL: site.URL})
	if err != nil {
		return "", fmt.Errorf("inspect url: %w", err)
	}
	var resp inspectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode inspection: %w", err)
	}
	state := resp.InspectionResult.IndexStatusResult.CoverageState
	if state == "" {
		state = resp.InspectionResult.IndexStatusResult.Verdict
	}
	return state, nil
}

func (c *Client) post(ctx context.Context, endpoint, credential string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", logging.SanitizeURL(endpoint), unwrapURLError(err))
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if h := resp.Header.Get("Retry-After"); h != "" {
			apiErr.RetryAfter, apiErr.HasRetryAfter = c.retryAfter(h, time.Now())
		}
		return nil, apiErr
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// unwrapURLError drops the request URL from transport errors.
func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return uerr.Err
	}
	return err
}

func parseSeconds(header string, _ time.Time) (time.Duration, bool) {
	var secs int
	if _, err := fmt.Sscanf(strings.TrimSpace(header), "%d", &secs); err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
