package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

// InsertSitemapIfAbsent creates the row unless (site_id, url) already exists.
func (s *Store) InsertSitemapIfAbsent(ctx context.Context, sm monitor.Sitemap) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO sitemaps (id, site_id, url, is_index, last_status, last_etag, last_modified, last_content_hash, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (site_id, url) DO NOTHING`,
		sm.ID,
		sm.SiteID,
		sm.URL,
		sm.IsIndex,
		sm.LastStatus,
		sm.LastETag,
		sm.LastModified,
		sm.LastContentHash,
		sm.CreatedAt,
		sm.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert sitemap: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListSitemaps returns a site's sitemaps in discovery order.
func (s *Store) ListSitemaps(ctx context.Context, siteID string) ([]monitor.Sitemap, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, site_id, url, is_index, last_status, last_etag, last_modified, last_content_hash, created_at, updated_at
FROM sitemaps
WHERE site_id = $1 AND retired_at IS NULL
ORDER BY created_at, url`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list sitemaps: %w", err)
	}
	defer rows.Close()

	var out []monitor.Sitemap
	for rows.Next() {
		var sm monitor.Sitemap
		if err := rows.Scan(
			&sm.ID,
			&sm.SiteID,
			&sm.URL,
			&sm.IsIndex,
			&sm.LastStatus,
			&sm.LastETag,
			&sm.LastModified,
			&sm.LastContentHash,
			&sm.CreatedAt,
			&sm.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sitemap row: %w", err)
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sitemaps: %w", err)
	}
	return out, nil
}

// RetireSitemaps retires sitemaps of siteID missing from keep and restores listed ones.
func (s *Store) RetireSitemaps(ctx context.Context, siteID string, keep []string, at time.Time) (int, error) {
	if keep == nil {
		keep = []string{}
	}
	if _, err := s.pool.Exec(ctx, `
UPDATE sitemaps SET retired_at = NULL, updated_at = $3
WHERE site_id = $1 AND retired_at IS NOT NULL AND url = ANY($2)`,
		siteID, keep, at,
	); err != nil {
		return 0, fmt.Errorf("restore sitemaps: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE sitemaps SET retired_at = $3, updated_at = $3
WHERE site_id = $1 AND retired_at IS NULL AND NOT (url = ANY($2))`,
		siteID, keep, at,
	)
	if err != nil {
		return 0, fmt.Errorf("retire sitemaps: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdateSitemapFetchState records cache metadata from the latest fetch attempt.
func (s *Store) UpdateSitemapFetchState(ctx context.Context, sitemapID string, state monitor.FetchState) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE sitemaps
SET last_status = $2, last_etag = $3, last_modified = $4, last_content_hash = $5, updated_at = $6
WHERE id = $1`,
		sitemapID,
		state.LastStatus,
		state.LastETag,
		state.LastModified,
		state.LastContentHash,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update sitemap fetch state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sitemap %s: %w", sitemapID, monitor.ErrNotFound)
	}
	return nil
}
