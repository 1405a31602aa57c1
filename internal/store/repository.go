package store

import (
	"context"
	"time"
)

// SiteRepository reads site identities supplied by the external management layer.
type SiteRepository interface {
	// UpsertSite inserts or replaces a site.
	UpsertSite(ctx context.Context, site Site) error
	// GetSite loads one site or returns ErrNotFound.
	GetSite(ctx context.Context, id string) (Site, error)
	// ListSites returns every known site ordered by id.
	ListSites(ctx context.Context) ([]Site, error)
}

// SourceRepository reads sitemap sources and records traversal-derived metadata.
type SourceRepository interface {
	// UpsertSource inserts or replaces a source's identity fields.
	UpsertSource(ctx context.Context, src SitemapSource) error
	// ListActiveSources returns active sources ordered by site then id.
	ListActiveSources(ctx context.Context) ([]SitemapSource, error)
	// UpdateSourceFetchState stores validators and detected kind after a traversal.
	UpdateSourceFetchState(ctx context.Context, id string, state SourceFetchState) error
}

// URLFilter narrows queue reads.
type URLFilter struct {
	// SiteID restricts results to one site when non-empty.
	SiteID string
}

// URLRepository persists discovered URLs and their queue fields.
type URLRepository interface {
	// GetURL loads a URL by (site, url) or returns ErrNotFound.
	GetURL(ctx context.Context, siteID, rawURL string) (DiscoveredURL, error)
	// GetURLByID loads a URL by id or returns ErrNotFound.
	GetURLByID(ctx context.Context, id string) (DiscoveredURL, error)
	// InsertURL creates a row; duplicates on (site, url) return ErrConflict.
	InsertURL(ctx context.Context, u DiscoveredURL) error
	// RequeueURL stores newer sitemap metadata (source, lastmod, changefreq,
	// source priority), resets attempts and queues the row at its stored manual
	// priority, or at u.CurrentPriority when none is set. Submission and
	// inspection columns are left alone.
	RequeueURL(ctx context.Context, u DiscoveredURL) error
	// SetURLPriority sets the manual override and queues the row at it, or
	// clears it and re-ranks a queued row at auto. Returns the updated row.
	SetURLPriority(ctx context.Context, id string, manual *int, auto int, at time.Time) (DiscoveredURL, error)
	// MarkURLSubmitted stamps submitted_at and resets inspection state. The row
	// leaves the queue only if its lastmod still equals seenLastMod.
	MarkURLSubmitted(ctx context.Context, id string, seenLastMod *time.Time, at time.Time) error
	// RecordURLFailure increments attempts and parks a queued row that reaches
	// maxAttempts. Returns the updated row.
	RecordURLFailure(ctx context.Context, id string, maxAttempts int, at time.Time) (DiscoveredURL, error)
	// RecordURLStatus stores an inspection outcome and its check time.
	RecordURLStatus(ctx context.Context, id string, status IndexStatus, at time.Time) error
	// ParkURL takes a row out of the queue.
	ParkURL(ctx context.Context, id string, at time.Time) error
	// DequeueURLs selects up to n queued rows (priority desc, updated_at asc)
	// and stamps last_attempted_at in the same operation.
	DequeueURLs(ctx context.Context, filter URLFilter, n int, at time.Time) ([]DiscoveredURL, error)
	// PeekURLs returns what DequeueURLs would return without stamping.
	PeekURLs(ctx context.Context, filter URLFilter, n int) ([]DiscoveredURL, error)
	// ListDueForVerification returns submitted rows never checked or checked before cutoff.
	ListDueForVerification(ctx context.Context, filter URLFilter, n int, cutoff time.Time) ([]DiscoveredURL, error)
}

// QuotaRepository persists quota discovery state.
type QuotaRepository interface {
	// LoadQuotaStates returns every persisted state.
	LoadQuotaStates(ctx context.Context) ([]QuotaState, error)
	// SaveQuotaState upserts a state keyed by (site, kind).
	SaveQuotaState(ctx context.Context, state QuotaState) error
}

// ExecutionRepository persists job execution history.
type ExecutionRepository interface {
	// CreateExecution inserts a new record.
	CreateExecution(ctx context.Context, exec JobExecution) error
	// FinishExecution updates outcome, counters, checkpoint and finished_at by id.
	FinishExecution(ctx context.Context, exec JobExecution) error
	// ListExecutions returns the newest records first; empty jobID lists all jobs.
	ListExecutions(ctx context.Context, jobID string, limit int) ([]JobExecution, error)
	// ListRunning returns records still marked running.
	ListRunning(ctx context.Context) ([]JobExecution, error)
}
