package pipeline

import (
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/sitemap-indexer/internal/discovery"
	"github.com/JakeFAU/sitemap-indexer/internal/sitemap"
)

const defaultReportHistory = 200

// TraversalReport is the operator-facing record of one source refresh.
// It carries only sanitized URLs, stage names and counts.
type TraversalReport struct {
	SourceID    string            `json:"source_id"`
	SiteID      string            `json:"site_id"`
	Kind        string            `json:"kind"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	NotModified bool              `json:"not_modified"`
	Failed      bool              `json:"failed"`
	Error       string            `json:"error,omitempty"`
	// ArchiveURI locates the stored copy of a changed root document.
	ArchiveURI string            `json:"archive_uri,omitempty"`
	Summary    sitemap.Summary   `json:"summary"`
	Discovery  discovery.Outcome `json:"discovery"`
}

// Reports keeps the most recent traversal reports in memory.
type Reports struct {
	mu      sync.RWMutex
	limit   int
	entries []TraversalReport
}

// NewReports returns a Reports holding at most limit entries.
func NewReports(limit int) *Reports {
	if limit <= 0 {
		limit = defaultReportHistory
	}
	return &Reports{limit: limit}
}

// Add appends a report, evicting the oldest past the limit.
func (r *Reports) Add(rep TraversalReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, rep)
	if over := len(r.entries) - r.limit; over > 0 {
		r.entries = slices.Delete(r.entries, 0, over)
	}
}

// List returns up to limit reports, newest first. Non-empty sourceID filters.
func (r *Reports) List(sourceID string, limit int) []TraversalReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TraversalReport, 0, len(r.entries))
	for i := len(r.entries) - 1; i >= 0; i-- {
		if sourceID != "" && r.entries[i].SourceID != sourceID {
			continue
		}
		out = append(out, r.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
