package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

const siteColumns = `id, owner_id, root_url, tags, enabled, scan_priority, scan_interval_minutes, last_scan_at, created_at, updated_at`

func scanSite(row pgx.Row) (monitor.Site, error) {
	var site monitor.Site
	err := row.Scan(
		&site.ID,
		&site.OwnerID,
		&site.RootURL,
		&site.Tags,
		&site.Enabled,
		&site.ScanPriority,
		&site.ScanIntervalMinutes,
		&site.LastScanAt,
		&site.CreatedAt,
		&site.UpdatedAt,
	)
	return site, err
}

// CreateSite inserts a site.
func (s *Store) CreateSite(ctx context.Context, site monitor.Site) error {
	tags := site.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO sites (`+siteColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		site.ID,
		site.OwnerID,
		site.RootURL,
		tags,
		site.Enabled,
		site.ScanPriority,
		site.ScanIntervalMinutes,
		site.LastScanAt,
		site.CreatedAt,
		site.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	return nil
}

// GetSite fetches a site by ID.
func (s *Store) GetSite(ctx context.Context, siteID string) (monitor.Site, error) {
	site, err := scanSite(s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, siteID))
	if err != nil {
		return monitor.Site{}, notFound(err, "site", siteID)
	}
	return site, nil
}

// FindSiteByRoot returns the owner's site registered for rootURL.
func (s *Store) FindSiteByRoot(ctx context.Context, ownerID, rootURL string) (monitor.Site, error) {
	site, err := scanSite(s.pool.QueryRow(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE owner_id = $1 AND root_url = $2`, ownerID, rootURL))
	if err != nil {
		return monitor.Site{}, notFound(err, "site", rootURL)
	}
	return site, nil
}

// UpdateSiteSettings replaces the root URL and tags of a site.
func (s *Store) UpdateSiteSettings(ctx context.Context, siteID, rootURL string, tags []string, at time.Time) error {
	if tags == nil {
		tags = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sites SET root_url = $2, tags = $3, updated_at = $4 WHERE id = $1`,
		siteID, rootURL, tags, at)
	if err != nil {
		return fmt.Errorf("update site settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("site %s: %w", siteID, monitor.ErrNotFound)
	}
	return nil
}

// ListEnabledSites returns every enabled site.
func (s *Store) ListEnabledSites(ctx context.Context) ([]monitor.Site, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+siteColumns+` FROM sites WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled sites: %w", err)
	}
	defer rows.Close()

	var sites []monitor.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site row: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sites: %w", err)
	}
	return sites, nil
}

// TouchSiteScanned stamps the site's last scan time.
func (s *Store) TouchSiteScanned(ctx context.Context, siteID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sites SET last_scan_at = $2 WHERE id = $1`, siteID, at)
	if err != nil {
		return fmt.Errorf("touch site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("site %s: %w", siteID, monitor.ErrNotFound)
	}
	return nil
}
