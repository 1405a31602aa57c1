package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

const urlColumns = `id, site_id, source_id, url, lastmod, changefreq, source_priority,
current_priority, manual_priority, last_attempted_at, attempts, submitted_at,
index_status, last_checked_at, discovered_at, updated_at`

func scanURL(row pgx.Row) (store.DiscoveredURL, error) {
	var u store.DiscoveredURL
	err := row.Scan(
		&u.ID,
		&u.SiteID,
		&u.SourceID,
		&u.URL,
		&u.LastMod,
		&u.ChangeFreq,
		&u.SourcePriority,
		&u.CurrentPriority,
		&u.ManualPriority,
		&u.LastAttemptedAt,
		&u.Attempts,
		&u.SubmittedAt,
		&u.IndexStatus,
		&u.LastCheckedAt,
		&u.DiscoveredAt,
		&u.UpdatedAt,
	)
	return u, err
}

func collectURLs(rows pgx.Rows) ([]store.DiscoveredURL, error) {
	defer rows.Close()
	var out []store.DiscoveredURL
	for rows.Next() {
		u, err := scanURL(rows)
		if err != nil {
			return nil, fmt.Errorf("scan url row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// GetURL loads a URL by its per-site identity.
func (s *Store) GetURL(ctx context.Context, siteID, rawURL string) (store.DiscoveredURL, error) {
	query := `SELECT ` + urlColumns + ` FROM discovered_urls WHERE site_id = $1 AND url = $2`
	u, err := scanURL(s.pool.QueryRow(ctx, query, siteID, rawURL))
	if err != nil {
		return store.DiscoveredURL{}, fmt.Errorf("get url: %w", mapError(err))
	}
	return u, nil
}

// GetURLByID loads a URL by id.
func (s *Store) GetURLByID(ctx context.Context, id string) (store.DiscoveredURL, error) {
	query := `SELECT ` + urlColumns + ` FROM discovered_urls WHERE id = $1`
	u, err := scanURL(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return store.DiscoveredURL{}, fmt.Errorf("get url: %w", mapError(err))
	}
	return u, nil
}

// InsertURL creates a row; a duplicate (site, url) maps to store.ErrConflict.
func (s *Store) InsertURL(ctx context.Context, u store.DiscoveredURL) error {
	query := `INSERT INTO discovered_urls (` + urlColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	args := []any{
		u.ID,
		u.SiteID,
		u.SourceID,
		u.URL,
		u.LastMod,
		u.ChangeFreq,
		u.SourcePriority,
		u.CurrentPriority,
		u.ManualPriority,
		u.LastAttemptedAt,
		u.Attempts,
		u.SubmittedAt,
		string(u.IndexStatus),
		u.LastCheckedAt,
		u.DiscoveredAt,
		u.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert url: %w", mapError(err))
	}
	return nil
}

// RequeueURL stores newer sitemap metadata and queues the row at its manual
// priority when set, else at u.CurrentPriority.
func (s *Store) RequeueURL(ctx context.Context, u store.DiscoveredURL) error {
	const query = `
UPDATE discovered_urls
SET source_id = $2,
    lastmod = $3,
    changefreq = $4,
    source_priority = $5,
    current_priority = COALESCE(manual_priority, $6),
    attempts = 0,
    updated_at = $7
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		u.ID,
		u.SourceID,
		u.LastMod,
		u.ChangeFreq,
		u.SourcePriority,
		u.CurrentPriority,
		u.UpdatedAt,
	)
	return affected("requeue url", tag.RowsAffected(), err)
}

// SetURLPriority sets the manual override, or clears it and re-ranks a queued row.
func (s *Store) SetURLPriority(ctx context.Context, id string, manual *int, auto int, at time.Time) (store.DiscoveredURL, error) {
	query := `
UPDATE discovered_urls
SET manual_priority = $2,
    current_priority = CASE
        WHEN $2::int IS NOT NULL THEN $2::int
        WHEN current_priority > 0 THEN $3
        ELSE current_priority
    END,
    attempts = CASE WHEN $2::int IS NOT NULL THEN 0 ELSE attempts END,
    updated_at = $4
WHERE id = $1
RETURNING ` + urlColumns
	u, err := scanURL(s.pool.QueryRow(ctx, query, id, manual, auto, at))
	if err != nil {
		return store.DiscoveredURL{}, fmt.Errorf("set url priority: %w", mapError(err))
	}
	return u, nil
}

// MarkURLSubmitted stamps a submission. The row leaves the queue only when its
// lastmod was not advanced by a concurrent re-enqueue.
func (s *Store) MarkURLSubmitted(ctx context.Context, id string, seenLastMod *time.Time, at time.Time) error {
	const query = `
UPDATE discovered_urls
SET current_priority = CASE WHEN lastmod IS NOT DISTINCT FROM $2 THEN 0 ELSE current_priority END,
    attempts = CASE WHEN lastmod IS NOT DISTINCT FROM $2 THEN 0 ELSE attempts END,
    submitted_at = $3,
    index_status = $4,
    last_checked_at = NULL,
    updated_at = $3
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, seenLastMod, at, string(store.StatusUnchecked))
	return affected("mark url submitted", tag.RowsAffected(), err)
}

// RecordURLFailure counts a failed submission, parking the row at maxAttempts.
func (s *Store) RecordURLFailure(ctx context.Context, id string, maxAttempts int, at time.Time) (store.DiscoveredURL, error) {
	query := `
UPDATE discovered_urls
SET attempts = attempts + 1,
    current_priority = CASE WHEN attempts + 1 >= $2 THEN 0 ELSE current_priority END,
    updated_at = $3
WHERE id = $1
RETURNING ` + urlColumns
	u, err := scanURL(s.pool.QueryRow(ctx, query, id, maxAttempts, at))
	if err != nil {
		return store.DiscoveredURL{}, fmt.Errorf("record url failure: %w", mapError(err))
	}
	return u, nil
}

// RecordURLStatus stores an inspection outcome.
func (s *Store) RecordURLStatus(ctx context.Context, id string, status store.IndexStatus, at time.Time) error {
	const query = `UPDATE discovered_urls SET index_status = $2, last_checked_at = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status), at)
	return affected("record url status", tag.RowsAffected(), err)
}

// ParkURL takes a row out of the queue.
func (s *Store) ParkURL(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE discovered_urls SET current_priority = 0, updated_at = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, at)
	return affected("park url", tag.RowsAffected(), err)
}

// affected maps an exec result to the store's error vocabulary.
func affected(op string, rows int64, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapError(err))
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	return nil
}

// DequeueURLs selects and stamps the next queued rows in one statement.
// SKIP LOCKED keeps concurrent dequeues from handing out the same row.
func (s *Store) DequeueURLs(ctx context.Context, filter store.URLFilter, n int, at time.Time) ([]store.DiscoveredURL, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `
WITH picked AS (
    SELECT id FROM discovered_urls
    WHERE current_priority > 0 AND ($1 = '' OR site_id = $1)
    ORDER BY current_priority DESC, updated_at ASC, id ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE discovered_urls AS d
SET last_attempted_at = $3
FROM picked
WHERE d.id = picked.id
RETURNING ` + prefixed("d.", urlColumns)
	rows, err := s.pool.Query(ctx, query, filter.SiteID, n, at)
	if err != nil {
		return nil, fmt.Errorf("dequeue urls: %w", mapError(err))
	}
	out, err := collectURLs(rows)
	if err != nil {
		return nil, fmt.Errorf("dequeue urls: %w", err)
	}
	sortQueued(out)
	return out, nil
}

// PeekURLs returns the next queued rows without stamping them.
func (s *Store) PeekURLs(ctx context.Context, filter store.URLFilter, n int) ([]store.DiscoveredURL, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `SELECT ` + urlColumns + ` FROM discovered_urls
WHERE current_priority > 0 AND ($1 = '' OR site_id = $1)
ORDER BY current_priority DESC, updated_at ASC, id ASC
LIMIT $2`
	rows, err := s.pool.Query(ctx, query, filter.SiteID, n)
	if err != nil {
		return nil, fmt.Errorf("peek urls: %w", mapError(err))
	}
	out, err := collectURLs(rows)
	if err != nil {
		return nil, fmt.Errorf("peek urls: %w", err)
	}
	return out, nil
}

// ListDueForVerification returns submitted rows never checked or checked before cutoff.
func (s *Store) ListDueForVerification(ctx context.Context, filter store.URLFilter, n int, cutoff time.Time) ([]store.DiscoveredURL, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `SELECT ` + urlColumns + ` FROM discovered_urls
WHERE submitted_at IS NOT NULL
  AND (last_checked_at IS NULL OR last_checked_at < $2)
  AND ($1 = '' OR site_id = $1)
ORDER BY last_checked_at ASC NULLS FIRST, submitted_at ASC
LIMIT $3`
	rows, err := s.pool.Query(ctx, query, filter.SiteID, cutoff, n)
	if err != nil {
		return nil, fmt.Errorf("list due urls: %w", mapError(err))
	}
	out, err := collectURLs(rows)
	if err != nil {
		return nil, fmt.Errorf("list due urls: %w", err)
	}
	return out, nil
}

// sortQueued restores queue order; UPDATE ... RETURNING does not preserve it.
func sortQueued(rows []store.DiscoveredURL) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.CurrentPriority != b.CurrentPriority {
			return a.CurrentPriority > b.CurrentPriority
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

// prefixed qualifies each comma-separated column with p.
func prefixed(p, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
