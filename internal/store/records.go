package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals a uniqueness violation on insert.
	ErrConflict = errors.New("record already exists")
	// ErrUnavailable signals that the backing store cannot serve requests at all.
	ErrUnavailable = errors.New("store unavailable")
)

// SourceKind is the declared or detected type of a sitemap document.
type SourceKind string

// Sitemap kinds.
const (
	KindUnknown SourceKind = "unknown"
	KindIndex   SourceKind = "index"
	KindURLSet  SourceKind = "urlset"
)

// Site identifies a property registered with the remote indexing services.
type Site struct {
	// ID is the stable site identifier used as the quota and queue partition key.
	ID string `json:"id"`
	// URL is the property URL passed to the inspection API (e.g. sc-domain:example.com).
	URL string `json:"url"`
	// CredentialRef is an opaque handle passed through to the API clients untouched.
	CredentialRef string `json:"-"`
}

// SitemapSource is one sitemap URL owned by a site.
type SitemapSource struct {
	ID     string     `json:"id"`
	SiteID string     `json:"site_id"`
	URL    string     `json:"url"`
	Kind   SourceKind `json:"kind"`
	Active bool       `json:"active"`
	// ETag and LastModified are the validators returned by the last successful fetch.
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	// ContentHash is the SHA-256 of the last decompressed root document.
	ContentHash   string     `json:"content_hash,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
}

// SourceFetchState carries the traversal-derived metadata written back to a source.
type SourceFetchState struct {
	Kind         SourceKind
	ETag         string
	LastModified string
	ContentHash  string
	FetchedAt    time.Time
}

// IndexStatus is the internal vocabulary for verification results.
type IndexStatus string

// Index statuses.
const (
	StatusUnchecked  IndexStatus = "UNCHECKED"
	StatusIndexed    IndexStatus = "INDEXED"
	StatusNotIndexed IndexStatus = "NOT_INDEXED"
	StatusBlocked    IndexStatus = "BLOCKED"
	StatusSoft404    IndexStatus = "SOFT_404"
	StatusError      IndexStatus = "ERROR"
)

// DiscoveredURL is a content URL found in a site's sitemaps.
type DiscoveredURL struct {
	ID       string `json:"id"`
	SiteID   string `json:"site_id"`
	SourceID string `json:"source_id"`
	URL      string `json:"url"`
	// LastMod is the most recent lastmod recorded; it only ever moves forward.
	LastMod        *time.Time `json:"lastmod,omitempty"`
	ChangeFreq     *string    `json:"changefreq,omitempty"`
	SourcePriority *float64   `json:"source_priority,omitempty"`
	// CurrentPriority is the queue rank; zero means not queued.
	CurrentPriority int `json:"current_priority"`
	// ManualPriority replaces the computed priority while set (1..100).
	ManualPriority  *int       `json:"manual_priority,omitempty"`
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`
	// Attempts counts failed submissions since the row was last enqueued.
	Attempts      int         `json:"attempts"`
	SubmittedAt   *time.Time  `json:"submitted_at,omitempty"`
	IndexStatus   IndexStatus `json:"index_status"`
	LastCheckedAt *time.Time  `json:"last_checked_at,omitempty"`
	DiscoveredAt  time.Time   `json:"discovered_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Queued reports whether the row is eligible for dequeue.
func (u DiscoveredURL) Queued() bool {
	return u.CurrentPriority > 0
}

// APIKind distinguishes the two remotely rate-limited APIs.
type APIKind string

// API kinds.
const (
	APISubmission   APIKind = "submission"
	APIVerification APIKind = "verification"
)

// DiscoveryStatus tracks how much the quota registry trusts a discovered limit.
type DiscoveryStatus string

// Discovery statuses.
const (
	QuotaPending     DiscoveryStatus = "pending"
	QuotaDiscovering DiscoveryStatus = "discovering"
	QuotaEstimated   DiscoveryStatus = "estimated"
	QuotaConfirmed   DiscoveryStatus = "confirmed"
	QuotaFailed      DiscoveryStatus = "failed"
)

// QuotaState is the per-site, per-API quota discovery record.
type QuotaState struct {
	SiteID     string          `json:"site_id"`
	Kind       APIKind         `json:"kind"`
	DailyLimit int             `json:"daily_limit"`
	Confidence float64         `json:"confidence"`
	Status     DiscoveryStatus `json:"status"`
	// SuccessCount counts successful calls since discovery last (re)started.
	SuccessCount    int        `json:"success_count"`
	LastDiscoveryAt *time.Time `json:"last_discovery_at,omitempty"`
	Last429At       *time.Time `json:"last_429_at,omitempty"`
	UsedToday       int        `json:"used_today"`
	// UsageDate is the UTC date (YYYY-MM-DD) UsedToday refers to.
	UsageDate string `json:"usage_date"`
}

// Remaining returns how many calls are left today.
func (q QuotaState) Remaining() int {
	if left := q.DailyLimit - q.UsedToday; left > 0 {
		return left
	}
	return 0
}

// JobOutcome mirrors the job_executions outcome column.
type JobOutcome string

// Job outcomes.
const (
	OutcomeRunning        JobOutcome = "running"
	OutcomeSuccess        JobOutcome = "success"
	OutcomeFailure        JobOutcome = "failure"
	OutcomeSkippedOverlap JobOutcome = "skipped_overlap"
	OutcomeInterrupted    JobOutcome = "interrupted"
)

// JobExecution records one scheduled or manual job invocation.
type JobExecution struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Outcome      JobOutcome     `json:"outcome"`
	Processed    int            `json:"processed"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Checkpoint   map[string]any `json:"checkpoint,omitempty"`
}

// Duration returns the wall time of a finished execution.
func (e JobExecution) Duration() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}
