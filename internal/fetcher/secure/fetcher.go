// Package secure performs outbound sitemap fetches that cannot be steered at
// internal infrastructure. Every hop is validated by the address policy, the
// socket is pinned to a validated address, redirects are followed by hand and
// compressed payloads are decoded under a size cap.
package secure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
	"github.com/JakeFAU/sitemap-indexer/internal/policy/netguard"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxRedirects = 5
	defaultMaxBodyBytes = 50 << 20

	browserAccept   = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	browserLanguage = "en-US,en;q=0.9"
	sitemapAccept   = "application/xml,text/xml;q=0.9,*/*;q=0.8"
)

// Guard is the subset of the address policy the fetcher depends on.
type Guard interface {
	Check(ctx context.Context, rawURL string) netguard.Decision
	CheckAddr(addr netip.Addr) error
}

// Config controls fetch behavior.
type Config struct {
	// UserAgent identifies the service on every request. It must not carry credentials.
	UserAgent string
	// Timeout bounds one logical fetch including redirects and retries.
	Timeout time.Duration
	// MaxRedirects is the hop ceiling; zero means redirects are not followed.
	MaxRedirects int
	// MaxBodyBytes caps both the wire body and the decompressed document.
	MaxBodyBytes int64
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Request describes one logical fetch.
type Request struct {
	URL string
	// ETag and LastModified turn the request into a conditional GET.
	ETag         string
	LastModified string
}

// Response is the result of a successful logical fetch.
type Response struct {
	Body     []byte
	FinalURL string
	// ContentEncoding is the header value the origin sent, before decoding.
	ContentEncoding string
	StatusCode      int
	ETag            string
	LastModified    string
	// NotModified is set for a 304 answer to a conditional request; Body is empty.
	NotModified bool
	Redirects   int
}

// Fetcher implements the hardened fetch pipeline.
type Fetcher struct {
	guard  Guard
	dialer Dialer
	client *http.Client
	retry  *RetryPolicy
	cfg    Config
	logger *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithDialer overrides the socket dialer.
func WithDialer(d Dialer) Option {
	return func(f *Fetcher) {
		if d != nil {
			f.dialer = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logging.OrNop(logger)
	}
}

// New constructs a Fetcher guarded by guard.
func New(guard Guard, cfg Config, opts ...Option) (*Fetcher, error) {
	if guard == nil {
		return nil, errors.New("fetcher requires an address guard")
	}
	if cfg.UserAgent == "" {
		return nil, errors.New("fetcher requires a user agent")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	f := &Fetcher{
		guard:  guard,
		dialer: &net.Dialer{Timeout: 10 * time.Second},
		retry:  NewRetryPolicy(cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax),
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}

	transport := &http.Transport{
		// Environment proxies would connect somewhere other than the pinned address.
		Proxy:                  nil,
		DialContext:            f.dialPinned,
		DisableKeepAlives:      true,
		DisableCompression:     true,
		ForceAttemptHTTP2:      true,
		TLSHandshakeTimeout:    10 * time.Second,
		ResponseHeaderTimeout:  cfg.Timeout,
		MaxResponseHeaderBytes: 1 << 20,
	}
	f.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return f, nil
}

// Fetch runs one logical fetch of req.URL.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	resp, err := f.fetch(ctx, req)
	result := "ok"
	if err != nil {
		result = string(StageOf(err))
		f.logger.Debug("fetch failed",
			logging.URL("url", req.URL),
			zap.String("stage", result),
			zap.Error(err),
		)
	}
	metrics.ObserveFetch(req.URL, result, time.Since(start))
	return resp, err
}

func (f *Fetcher) fetch(ctx context.Context, req Request) (*Response, error) {
	current := req.URL
	redirects := 0
	browserRetried := false

	for {
		decision := f.guard.Check(ctx, current)
		if !decision.Allowed {
			return nil, &FetchError{Stage: StagePolicy, URL: current, Err: decision.Err()}
		}

		httpResp, err := f.doWithRetry(ctx, current, decision.IPs, req, browserRetried)
		if err != nil {
			return nil, err
		}
		status := httpResp.StatusCode

		switch {
		case isRedirect(status):
			location := httpResp.Header.Get("Location")
			drain(httpResp)
			if location == "" {
				return nil, &FetchError{Stage: StageRedirect, URL: current, StatusCode: status,
					Err: errors.New("redirect without location")}
			}
			if redirects >= f.cfg.MaxRedirects {
				return nil, &FetchError{Stage: StageRedirect, URL: current, StatusCode: status,
					Err: fmt.Errorf("%w: ceiling %d", ErrTooManyRedirects, f.cfg.MaxRedirects)}
			}
			next, err := resolveLocation(current, location)
			if err != nil {
				return nil, &FetchError{Stage: StageRedirect, URL: current, StatusCode: status, Err: err}
			}
			f.logger.Debug("following redirect",
				logging.URL("from", current),
				logging.URL("to", next),
				zap.Int("hop", redirects+1),
			)
			current = next
			redirects++

		case status == http.StatusNotModified:
			drain(httpResp)
			return &Response{
				FinalURL:     current,
				StatusCode:   status,
				ETag:         firstNonEmpty(httpResp.Header.Get("ETag"), req.ETag),
				LastModified: firstNonEmpty(httpResp.Header.Get("Last-Modified"), req.LastModified),
				NotModified:  true,
				Redirects:    redirects,
			}, nil

		case status == http.StatusForbidden && !browserRetried:
			drain(httpResp)
			browserRetried = true
			f.logger.Debug("retrying 403 with browser headers", logging.URL("url", current))

		case status >= 200 && status < 300:
			return f.readResponse(httpResp, current, redirects)

		default:
			drain(httpResp)
			return nil, &FetchError{Stage: StageStatus, URL: current, StatusCode: status,
				Err: fmt.Errorf("unexpected status %s", http.StatusText(status))}
		}
	}
}

// doWithRetry sends one hop, retrying transient statuses and network errors.
func (f *Fetcher) doWithRetry(
	ctx context.Context,
	target string,
	ips []netip.Addr,
	req Request,
	browser bool,
) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		httpReq, err := f.newRequest(withPins(ctx, ips), target, req, browser)
		if err != nil {
			return nil, &FetchError{Stage: StageConnect, URL: target, Err: err}
		}
		resp, err := f.client.Do(httpReq)
		if err != nil {
			err = stripURL(err)
			if !f.retry.ShouldRetry(err, 0, attempt) {
				return nil, &FetchError{Stage: classifyTransport(err), URL: target, Err: err}
			}
			if serr := sleepCtx(ctx, f.retry.Backoff(attempt, 0)); serr != nil {
				return nil, &FetchError{Stage: StageConnect, URL: target, Err: errors.Join(err, serr)}
			}
			continue
		}
		if !f.retry.ShouldRetry(nil, resp.StatusCode, attempt) {
			return resp, nil
		}
		retryAfter := parseRetryAfterSeconds(resp.Header.Get("Retry-After"))
		drain(resp)
		f.logger.Debug("retrying transient status",
			logging.URL("url", target),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt+1),
		)
		if serr := sleepCtx(ctx, f.retry.Backoff(attempt, retryAfter)); serr != nil {
			return nil, &FetchError{Stage: StageStatus, URL: target, StatusCode: resp.StatusCode, Err: serr}
		}
	}
}

func (f *Fetcher) newRequest(ctx context.Context, target string, req Request, browser bool) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if browser {
		httpReq.Header.Set("User-Agent", "Mozilla/5.0 (compatible; "+f.cfg.UserAgent+")")
		httpReq.Header.Set("Accept", browserAccept)
		httpReq.Header.Set("Accept-Language", browserLanguage)
	} else {
		httpReq.Header.Set("User-Agent", f.cfg.UserAgent)
		httpReq.Header.Set("Accept", sitemapAccept)
	}
	httpReq.Header.Set("Accept-Encoding", "gzip")
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}
	return httpReq, nil
}

func (f *Fetcher) readResponse(resp *http.Response, finalURL string, redirects int) (*Response, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, &FetchError{Stage: StageRead, URL: finalURL, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(raw)) > f.cfg.MaxBodyBytes {
		return nil, &FetchError{Stage: StageRead, URL: finalURL, StatusCode: resp.StatusCode, Err: ErrBodyTooLarge}
	}

	encoding := resp.Header.Get("Content-Encoding")
	body, err := decodeBody(raw, encoding, resp.Request.URL.Path, f.cfg.MaxBodyBytes)
	if err != nil {
		return nil, &FetchError{Stage: StageDecompress, URL: finalURL, StatusCode: resp.StatusCode, Err: err}
	}
	return &Response{
		Body:            body,
		FinalURL:        finalURL,
		ContentEncoding: encoding,
		StatusCode:      resp.StatusCode,
		ETag:            resp.Header.Get("ETag"),
		LastModified:    resp.Header.Get("Last-Modified"),
		Redirects:       redirects,
	}, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveLocation(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse redirect base: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse redirect location: %w", err)
	}
	next := baseURL.ResolveReference(ref)
	next.Fragment = ""
	return next.String(), nil
}

// stripURL drops the *url.Error wrapper so the raw request URL, query string
// included, never ends up in an error message.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
