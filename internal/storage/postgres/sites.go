package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

// UpsertSite inserts or replaces a site.
func (s *Store) UpsertSite(ctx context.Context, site store.Site) error {
	const query = `
INSERT INTO sites (id, url, credential_ref)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET url = EXCLUDED.url, credential_ref = EXCLUDED.credential_ref`
	if _, err := s.pool.Exec(ctx, query, site.ID, site.URL, site.CredentialRef); err != nil {
		return fmt.Errorf("upsert site: %w", mapError(err))
	}
	return nil
}

// GetSite loads one site.
func (s *Store) GetSite(ctx context.Context, id string) (store.Site, error) {
	const query = `SELECT id, url, credential_ref FROM sites WHERE id = $1`
	var site store.Site
	if err := s.pool.QueryRow(ctx, query, id).Scan(&site.ID, &site.URL, &site.CredentialRef); err != nil {
		return store.Site{}, fmt.Errorf("get site: %w", mapError(err))
	}
	return site, nil
}

// ListSites returns every site ordered by id.
func (s *Store) ListSites(ctx context.Context) ([]store.Site, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, url, credential_ref FROM sites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", mapError(err))
	}
	defer rows.Close()

	var sites []store.Site
	for rows.Next() {
		var site store.Site
		if err := rows.Scan(&site.ID, &site.URL, &site.CredentialRef); err != nil {
			return nil, fmt.Errorf("scan site row: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sites: %w", mapError(err))
	}
	return sites, nil
}
