package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

const scanColumns = `id, site_id, status, created_at, started_at, finished_at,
	total_sitemaps, total_urls, added, removed, updated, error`

// createScanAttempts bounds the insert/lookup loop when the active scan
// finishes between the conflicting insert and the lookup.
const createScanAttempts = 3

func scanScan(row pgx.Row) (monitor.Scan, error) {
	var (
		scan   monitor.Scan
		status string
	)
	err := row.Scan(
		&scan.ID,
		&scan.SiteID,
		&status,
		&scan.CreatedAt,
		&scan.StartedAt,
		&scan.FinishedAt,
		&scan.Counts.TotalSitemaps,
		&scan.Counts.TotalURLs,
		&scan.Counts.Added,
		&scan.Counts.Removed,
		&scan.Counts.Updated,
		&scan.Error,
	)
	scan.Status = monitor.ScanStatus(status)
	return scan, err
}

// CreateScanIfIdle inserts scan unless the site already has a queued or
// running scan. The partial unique index scans_one_active_per_site makes the
// check and the insert one atomic statement.
func (s *Store) CreateScanIfIdle(ctx context.Context, scan monitor.Scan) (monitor.Scan, bool, error) {
	for range createScanAttempts {
		tag, err := s.pool.Exec(ctx, `
INSERT INTO scans (id, site_id, status, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (site_id) WHERE status IN ('queued', 'running') DO NOTHING`,
			scan.ID, scan.SiteID, string(scan.Status), scan.CreatedAt)
		if err != nil {
			return monitor.Scan{}, false, fmt.Errorf("insert scan: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return scan, true, nil
		}

		active, err := scanScan(s.pool.QueryRow(ctx, `
SELECT `+scanColumns+`
FROM scans
WHERE site_id = $1 AND status IN ('queued', 'running')
LIMIT 1`, scan.SiteID))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return monitor.Scan{}, false, fmt.Errorf("load active scan: %w", err)
		}
		return active, false, nil
	}
	return monitor.Scan{}, false, fmt.Errorf("create scan for site %s: active scan kept changing", scan.SiteID)
}

// GetScan fetches a scan by ID.
func (s *Store) GetScan(ctx context.Context, scanID string) (monitor.Scan, error) {
	scan, err := scanScan(s.pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, scanID))
	if err != nil {
		return monitor.Scan{}, notFound(err, "scan", scanID)
	}
	return scan, nil
}

// MarkScanRunning moves a queued scan to running.
func (s *Store) MarkScanRunning(ctx context.Context, scanID string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = 'running', started_at = $2 WHERE id = $1 AND status = 'queued'`,
		scanID, startedAt)
	if err != nil {
		return fmt.Errorf("mark scan running: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	scan, err := s.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	return fmt.Errorf("scan %s is %s: %w", scanID, scan.Status, monitor.ErrScanNotQueued)
}

// FinishScan writes the terminal state once.
func (s *Store) FinishScan(ctx context.Context, scanID string, outcome monitor.ScanOutcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("finish scan %s: status %q is not terminal", scanID, outcome.Status)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE scans
SET status = $2, finished_at = $3, total_sitemaps = $4, total_urls = $5,
	added = $6, removed = $7, updated = $8, error = $9
WHERE id = $1 AND status IN ('queued', 'running')`,
		scanID,
		string(outcome.Status),
		outcome.FinishedAt,
		outcome.Counts.TotalSitemaps,
		outcome.Counts.TotalURLs,
		outcome.Counts.Added,
		outcome.Counts.Removed,
		outcome.Counts.Updated,
		outcome.Error,
	)
	if err != nil {
		return fmt.Errorf("finish scan: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	scan, err := s.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	return fmt.Errorf("scan %s is %s: %w", scanID, scan.Status, monitor.ErrScanTerminal)
}

// ListScansByStatus returns up to limit scans in status, oldest first. limit <= 0 means no limit.
func (s *Store) ListScansByStatus(ctx context.Context, status monitor.ScanStatus, limit int) ([]monitor.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE status = $1 ORDER BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var out []monitor.Scan
	for rows.Next() {
		scan, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scan row: %w", err)
		}
		out = append(out, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return out, nil
}
