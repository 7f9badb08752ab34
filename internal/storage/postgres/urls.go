package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

// ListURLRecords returns every record of a sitemap, active or not.
func (s *Store) ListURLRecords(ctx context.Context, sitemapID string) ([]monitor.URLRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, site_id, sitemap_id, loc, lastmod, changefreq, priority, status, first_seen_at, last_seen_at
FROM url_records
WHERE sitemap_id = $1
ORDER BY loc`, sitemapID)
	if err != nil {
		return nil, fmt.Errorf("list url records: %w", err)
	}
	defer rows.Close()

	var out []monitor.URLRecord
	for rows.Next() {
		var (
			rec    monitor.URLRecord
			status string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.SiteID,
			&rec.SitemapID,
			&rec.Loc,
			&rec.LastMod,
			&rec.ChangeFreq,
			&rec.Priority,
			&status,
			&rec.FirstSeenAt,
			&rec.LastSeenAt,
		); err != nil {
			return nil, fmt.Errorf("scan url record row: %w", err)
		}
		rec.Status = monitor.URLStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate url records: %w", err)
	}
	return out, nil
}

// CountActiveURLs counts active records of a sitemap.
func (s *Store) CountActiveURLs(ctx context.Context, sitemapID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM url_records WHERE sitemap_id = $1 AND status = $2`,
		sitemapID, string(monitor.URLActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active urls: %w", err)
	}
	return n, nil
}

// InsertURLRecord adds a record. (sitemap_id, loc) is unique.
func (s *Store) InsertURLRecord(ctx context.Context, rec monitor.URLRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO url_records (id, site_id, sitemap_id, loc, lastmod, changefreq, priority, status, first_seen_at, last_seen_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID,
		rec.SiteID,
		rec.SitemapID,
		rec.Loc,
		rec.LastMod,
		rec.ChangeFreq,
		rec.Priority,
		string(rec.Status),
		rec.FirstSeenAt,
		rec.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("insert url record: %w", err)
	}
	return nil
}

// UpdateURLRecord replaces the mutable fields of a record.
func (s *Store) UpdateURLRecord(ctx context.Context, rec monitor.URLRecord) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE url_records
SET lastmod = $2, changefreq = $3, priority = $4, status = $5, last_seen_at = $6
WHERE id = $1`,
		rec.ID,
		rec.LastMod,
		rec.ChangeFreq,
		rec.Priority,
		string(rec.Status),
		rec.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("update url record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("url record %s: %w", rec.ID, monitor.ErrNotFound)
	}
	return nil
}

// InsertChange appends an audit record.
func (s *Store) InsertChange(ctx context.Context, c monitor.Change) error {
	var recordID *string
	if c.URLRecordID != "" {
		recordID = &c.URLRecordID
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO changes (id, site_id, scan_id, url_record_id, type, detail, occurred_at, source)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID,
		c.SiteID,
		c.ScanID,
		recordID,
		string(c.Type),
		c.Detail,
		c.OccurredAt,
		c.Source,
	)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}

// ListChangesByScan returns the changes attributed to a scan in the order they occurred.
func (s *Store) ListChangesByScan(ctx context.Context, scanID string) ([]monitor.Change, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, site_id, scan_id, COALESCE(url_record_id, ''), type, detail, occurred_at, source
FROM changes
WHERE scan_id = $1
ORDER BY occurred_at, id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []monitor.Change
	for rows.Next() {
		var (
			c          monitor.Change
			changeType string
		)
		if err := rows.Scan(
			&c.ID,
			&c.SiteID,
			&c.ScanID,
			&c.URLRecordID,
			&changeType,
			&c.Detail,
			&c.OccurredAt,
			&c.Source,
		); err != nil {
			return nil, fmt.Errorf("scan change row: %w", err)
		}
		c.Type = monitor.ChangeType(changeType)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}
