// Package memory provides in-process implementations of the store
// repositories. It backs development runs without a database and tests.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

// Store implements every store repository on top of guarded maps.
type Store struct {
	mu         sync.RWMutex
	sites      map[string]store.Site
	sources    map[string]store.SitemapSource
	urls       map[string]store.DiscoveredURL
	urlIndex   map[urlKey]string
	quotas     map[quotaKey]store.QuotaState
	executions map[string]store.JobExecution
	order      []string
}

type urlKey struct{ site, url string }

type quotaKey struct {
	site string
	kind store.APIKind
}

var (
	_ store.SiteRepository      = (*Store)(nil)
	_ store.SourceRepository    = (*Store)(nil)
	_ store.URLRepository       = (*Store)(nil)
	_ store.QuotaRepository     = (*Store)(nil)
	_ store.ExecutionRepository = (*Store)(nil)
)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sites:      make(map[string]store.Site),
		sources:    make(map[string]store.SitemapSource),
		urls:       make(map[string]store.DiscoveredURL),
		urlIndex:   make(map[urlKey]string),
		quotas:     make(map[quotaKey]store.QuotaState),
		executions: make(map[string]store.JobExecution),
	}
}

// UpsertSite inserts or replaces a site.
func (s *Store) UpsertSite(_ context.Context, site store.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[site.ID] = site
	return nil
}

// GetSite loads a site by id.
func (s *Store) GetSite(_ context.Context, id string) (store.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	if !ok {
		return store.Site{}, store.ErrNotFound
	}
	return site, nil
}

// ListSites returns all sites ordered by id.
func (s *Store) ListSites(_ context.Context) ([]store.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Site, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, site)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertSource replaces a source's identity fields and keeps fetch state.
func (s *Store) UpsertSource(_ context.Context, src store.SitemapSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sources[src.ID]; ok {
		src.ETag = existing.ETag
		src.LastModified = existing.LastModified
		src.ContentHash = existing.ContentHash
		src.LastFetchedAt = existing.LastFetchedAt
		if src.Kind == "" || src.Kind == store.KindUnknown {
			src.Kind = existing.Kind
		}
	}
	if src.Kind == "" {
		src.Kind = store.KindUnknown
	}
	s.sources[src.ID] = src
	return nil
}

// ListActiveSources returns active sources ordered by site then id.
func (s *Store) ListActiveSources(_ context.Context) ([]store.SitemapSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.SitemapSource
	for _, src := range s.sources {
		if src.Active {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SiteID != out[j].SiteID {
			return out[i].SiteID < out[j].SiteID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateSourceFetchState records traversal-derived metadata.
func (s *Store) UpdateSourceFetchState(_ context.Context, id string, state store.SourceFetchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return store.ErrNotFound
	}
	if state.Kind != "" {
		src.Kind = state.Kind
	}
	src.ETag = state.ETag
	src.LastModified = state.LastModified
	src.ContentHash = state.ContentHash
	fetched := state.FetchedAt
	src.LastFetchedAt = &fetched
	s.sources[id] = src
	return nil
}

// GetURL loads a URL by its per-site identity.
func (s *Store) GetURL(_ context.Context, siteID, rawURL string) (store.DiscoveredURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.urlIndex[urlKey{siteID, rawURL}]
	if !ok {
		return store.DiscoveredURL{}, store.ErrNotFound
	}
	return s.urls[id], nil
}

// GetURLByID loads a URL by id.
func (s *Store) GetURLByID(_ context.Context, id string) (store.DiscoveredURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.urls[id]
	if !ok {
		return store.DiscoveredURL{}, store.ErrNotFound
	}
	return u, nil
}

// InsertURL creates a URL row, enforcing (site, url) uniqueness.
func (s *Store) InsertURL(_ context.Context, u store.DiscoveredURL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := urlKey{u.SiteID, u.URL}
	if _, exists := s.urlIndex[key]; exists {
		return store.ErrConflict
	}
	if _, exists := s.urls[u.ID]; exists {
		return store.ErrConflict
	}
	s.urls[u.ID] = u
	s.urlIndex[key] = u.ID
	return nil
}

// patchURL applies fn to the stored row under the write lock.
func (s *Store) patchURL(id string, fn func(*store.DiscoveredURL)) (store.DiscoveredURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.urls[id]
	if !ok {
		return store.DiscoveredURL{}, store.ErrNotFound
	}
	fn(&u)
	s.urls[id] = u
	return u, nil
}

// RequeueURL stores newer sitemap metadata and queues the row, honouring a
// stored manual priority.
func (s *Store) RequeueURL(_ context.Context, next store.DiscoveredURL) error {
	_, err := s.patchURL(next.ID, func(u *store.DiscoveredURL) {
		u.SourceID = next.SourceID
		u.LastMod = next.LastMod
		u.ChangeFreq = next.ChangeFreq
		u.SourcePriority = next.SourcePriority
		u.CurrentPriority = next.CurrentPriority
		if u.ManualPriority != nil {
			u.CurrentPriority = *u.ManualPriority
		}
		u.Attempts = 0
		u.UpdatedAt = next.UpdatedAt
	})
	return err
}

// SetURLPriority sets or clears the manual override.
func (s *Store) SetURLPriority(_ context.Context, id string, manual *int, auto int, at time.Time) (store.DiscoveredURL, error) {
	return s.patchURL(id, func(u *store.DiscoveredURL) {
		if manual != nil {
			p := *manual
			u.ManualPriority = &p
			u.CurrentPriority = p
			u.Attempts = 0
		} else {
			u.ManualPriority = nil
			if u.Queued() {
				u.CurrentPriority = auto
			}
		}
		u.UpdatedAt = at
	})
}

// MarkURLSubmitted records a submission; a row re-enqueued with a newer
// lastmod since seenLastMod stays queued.
func (s *Store) MarkURLSubmitted(_ context.Context, id string, seenLastMod *time.Time, at time.Time) error {
	_, err := s.patchURL(id, func(u *store.DiscoveredURL) {
		if sameTime(u.LastMod, seenLastMod) {
			u.CurrentPriority = 0
			u.Attempts = 0
		}
		stamp := at
		u.SubmittedAt = &stamp
		u.IndexStatus = store.StatusUnchecked
		u.LastCheckedAt = nil
		u.UpdatedAt = at
	})
	return err
}

// RecordURLFailure counts a failed submission and parks the row at maxAttempts.
func (s *Store) RecordURLFailure(_ context.Context, id string, maxAttempts int, at time.Time) (store.DiscoveredURL, error) {
	return s.patchURL(id, func(u *store.DiscoveredURL) {
		u.Attempts++
		if u.Attempts >= maxAttempts {
			u.CurrentPriority = 0
		}
		u.UpdatedAt = at
	})
}

// RecordURLStatus stores an inspection outcome.
func (s *Store) RecordURLStatus(_ context.Context, id string, status store.IndexStatus, at time.Time) error {
	_, err := s.patchURL(id, func(u *store.DiscoveredURL) {
		stamp := at
		u.IndexStatus = status
		u.LastCheckedAt = &stamp
	})
	return err
}

// ParkURL takes a row out of the queue.
func (s *Store) ParkURL(_ context.Context, id string, at time.Time) error {
	_, err := s.patchURL(id, func(u *store.DiscoveredURL) {
		u.CurrentPriority = 0
		u.UpdatedAt = at
	})
	return err
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// DequeueURLs selects queued rows and stamps last_attempted_at under one lock.
func (s *Store) DequeueURLs(_ context.Context, filter store.URLFilter, n int, at time.Time) ([]store.DiscoveredURL, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queuedLocked(filter, n)
	for i := range batch {
		stamp := at
		batch[i].LastAttemptedAt = &stamp
		s.urls[batch[i].ID] = batch[i]
	}
	return batch, nil
}

// PeekURLs returns the next queued rows without modifying them.
func (s *Store) PeekURLs(_ context.Context, filter store.URLFilter, n int) ([]store.DiscoveredURL, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queuedLocked(filter, n), nil
}

func (s *Store) queuedLocked(filter store.URLFilter, n int) []store.DiscoveredURL {
	var out []store.DiscoveredURL
	for _, u := range s.urls {
		if !u.Queued() || (filter.SiteID != "" && u.SiteID != filter.SiteID) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CurrentPriority != b.CurrentPriority {
			return a.CurrentPriority > b.CurrentPriority
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// ListDueForVerification returns submitted rows never checked or last checked
// before cutoff, least recently checked first.
func (s *Store) ListDueForVerification(
	_ context.Context,
	filter store.URLFilter,
	n int,
	cutoff time.Time,
) ([]store.DiscoveredURL, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.DiscoveredURL
	for _, u := range s.urls {
		if u.SubmittedAt == nil || (filter.SiteID != "" && u.SiteID != filter.SiteID) {
			continue
		}
		if u.LastCheckedAt != nil && !u.LastCheckedAt.Before(cutoff) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := checkedOrZero(out[i]), checkedOrZero(out[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].SubmittedAt.Before(*out[j].SubmittedAt)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func checkedOrZero(u store.DiscoveredURL) time.Time {
	if u.LastCheckedAt == nil {
		return time.Time{}
	}
	return *u.LastCheckedAt
}

// LoadQuotaStates returns all persisted quota states.
func (s *Store) LoadQuotaStates(_ context.Context) ([]store.QuotaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.QuotaState, 0, len(s.quotas))
	for _, q := range s.quotas {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SiteID != out[j].SiteID {
			return out[i].SiteID < out[j].SiteID
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

// SaveQuotaState upserts a quota state.
func (s *Store) SaveQuotaState(_ context.Context, state store.QuotaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[quotaKey{state.SiteID, state.Kind}] = state
	return nil
}

// CreateExecution stores a new execution record.
func (s *Store) CreateExecution(_ context.Context, exec store.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return store.ErrConflict
	}
	exec.Checkpoint = maps.Clone(exec.Checkpoint)
	s.executions[exec.ID] = exec
	s.order = append(s.order, exec.ID)
	return nil
}

// FinishExecution updates the terminal fields of an execution.
func (s *Store) FinishExecution(_ context.Context, exec store.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.executions[exec.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.FinishedAt = exec.FinishedAt
	existing.Outcome = exec.Outcome
	existing.Processed = exec.Processed
	existing.Succeeded = exec.Succeeded
	existing.Failed = exec.Failed
	existing.ErrorMessage = exec.ErrorMessage
	existing.Checkpoint = maps.Clone(exec.Checkpoint)
	s.executions[exec.ID] = existing
	return nil
}

// ListExecutions returns the newest records first, optionally for one job.
func (s *Store) ListExecutions(_ context.Context, jobID string, limit int) ([]store.JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.JobExecution
	for i := len(s.order) - 1; i >= 0; i-- {
		exec := s.executions[s.order[i]]
		if jobID != "" && exec.JobID != jobID {
			continue
		}
		exec.Checkpoint = maps.Clone(exec.Checkpoint)
		out = append(out, exec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListRunning returns executions still marked running.
func (s *Store) ListRunning(_ context.Context) ([]store.JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.JobExecution
	for _, id := range s.order {
		exec := s.executions[id]
		if exec.Outcome == store.OutcomeRunning {
			exec.Checkpoint = maps.Clone(exec.Checkpoint)
			out = append(out, exec)
		}
	}
	return out, nil
}
