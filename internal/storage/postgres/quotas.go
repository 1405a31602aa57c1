package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

// LoadQuotaStates returns every persisted quota state.
func (s *Store) LoadQuotaStates(ctx context.Context) ([]store.QuotaState, error) {
	const query = `
SELECT site_id, kind, daily_limit, confidence, status, success_count,
       last_discovery_at, last_429_at, used_today, usage_date
FROM quota_states
ORDER BY site_id, kind`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load quota states: %w", mapError(err))
	}
	defer rows.Close()

	var states []store.QuotaState
	for rows.Next() {
		var q store.QuotaState
		if err := rows.Scan(
			&q.SiteID,
			&q.Kind,
			&q.DailyLimit,
			&q.Confidence,
			&q.Status,
			&q.SuccessCount,
			&q.LastDiscoveryAt,
			&q.Last429At,
			&q.UsedToday,
			&q.UsageDate,
		); err != nil {
			return nil, fmt.Errorf("scan quota row: %w", err)
		}
		states = append(states, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load quota states: %w", mapError(err))
	}
	return states, nil
}

// SaveQuotaState upserts a state keyed by (site, kind).
func (s *Store) SaveQuotaState(ctx context.Context, q store.QuotaState) error {
	const query = `
INSERT INTO quota_states (
    site_id, kind, daily_limit, confidence, status, success_count,
    last_discovery_at, last_429_at, used_today, usage_date
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (site_id, kind) DO UPDATE
SET daily_limit = EXCLUDED.daily_limit,
    confidence = EXCLUDED.confidence,
    status = EXCLUDED.status,
    success_count = EXCLUDED.success_count,
    last_discovery_at = EXCLUDED.last_discovery_at,
    last_429_at = EXCLUDED.last_429_at,
    used_today = EXCLUDED.used_today,
    usage_date = EXCLUDED.usage_date`
	_, err := s.pool.Exec(ctx, query,
		q.SiteID,
		string(q.Kind),
		q.DailyLimit,
		q.Confidence,
		string(q.Status),
		q.SuccessCount,
		q.LastDiscoveryAt,
		q.Last429At,
		q.UsedToday,
		q.UsageDate,
	)
	if err != nil {
		return fmt.Errorf("save quota state: %w", mapError(err))
	}
	return nil
}
