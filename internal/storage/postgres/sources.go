package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

// UpsertSource inserts or replaces a source's identity fields. Fetch state is
// kept, and an unknown kind never overwrites a detected one.
func (s *Store) UpsertSource(ctx context.Context, src store.SitemapSource) error {
	const query = `
INSERT INTO sitemap_sources (id, site_id, url, kind, active)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET site_id = EXCLUDED.site_id,
    url = EXCLUDED.url,
    active = EXCLUDED.active,
    kind = CASE WHEN EXCLUDED.kind = 'unknown' THEN sitemap_sources.kind ELSE EXCLUDED.kind END`
	kind := src.Kind
	if kind == "" {
		kind = store.KindUnknown
	}
	if _, err := s.pool.Exec(ctx, query, src.ID, src.SiteID, src.URL, string(kind), src.Active); err != nil {
		return fmt.Errorf("upsert source: %w", mapError(err))
	}
	return nil
}

// ListActiveSources returns active sources ordered by site then id.
func (s *Store) ListActiveSources(ctx context.Context) ([]store.SitemapSource, error) {
	const query = `
SELECT id, site_id, url, kind, active, etag, last_modified, content_hash, last_fetched_at
FROM sitemap_sources
WHERE active
ORDER BY site_id, id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", mapError(err))
	}
	defer rows.Close()

	var sources []store.SitemapSource
	for rows.Next() {
		var src store.SitemapSource
		if err := rows.Scan(
			&src.ID,
			&src.SiteID,
			&src.URL,
			&src.Kind,
			&src.Active,
			&src.ETag,
			&src.LastModified,
			&src.ContentHash,
			&src.LastFetchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", mapError(err))
	}
	return sources, nil
}

// UpdateSourceFetchState stores the validators and kind seen by the last traversal.
func (s *Store) UpdateSourceFetchState(ctx context.Context, id string, state store.SourceFetchState) error {
	const query = `
UPDATE sitemap_sources
SET kind = COALESCE(NULLIF($2, ''), kind),
    etag = $3,
    last_modified = $4,
    content_hash = $5,
    last_fetched_at = $6
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(state.Kind), state.ETag, state.LastModified, state.ContentHash, state.FetchedAt)
	if err != nil {
		return fmt.Errorf("update source fetch state: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update source fetch state: %w", store.ErrNotFound)
	}
	return nil
}
