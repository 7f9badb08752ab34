package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/metrics"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

// Reaper fails scans that stayed active past a deadline, which only happens
// when the process running them died.
type Reaper struct {
	store      monitor.ScanStore
	clock      monitor.Clock
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewReaper wires a Reaper.
func NewReaper(store monitor.ScanStore, clock monitor.Clock, staleAfter time.Duration, logger *zap.Logger) *Reaper {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:      store,
		clock:      clock,
		staleAfter: staleAfter,
		logger:     logger.Named("reaper"),
	}
}

// Reap forces every stale queued or running scan to failed and returns how many it wrote.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	now := r.clock.Now()
	cutoff := now.Add(-r.staleAfter)
	reaped := 0
	for _, status := range []monitor.ScanStatus{monitor.ScanRunning, monitor.ScanQueued} {
		scans, err := r.store.ListScansByStatus(ctx, status, 0)
		if err != nil {
			return reaped, fmt.Errorf("list %s scans: %w", status, err)
		}
		for _, scan := range scans {
			if !stale(scan, cutoff) {
				continue
			}
			err := r.store.FinishScan(ctx, scan.ID, monitor.ScanOutcome{
				Status:     monitor.ScanFailed,
				FinishedAt: now,
				Counts:     scan.Counts,
				Error:      ReaperMessage,
			})
			if errors.Is(err, monitor.ErrScanTerminal) {
				continue
			}
			if err != nil {
				return reaped, fmt.Errorf("reap scan %s: %w", scan.ID, err)
			}
			reaped++
			metrics.ObserveReapedScan()
			metrics.ObserveScan(string(monitor.ScanFailed))
			r.logger.Warn("reaped stale scan",
				zap.String("scan_id", scan.ID),
				zap.String("site_id", scan.SiteID),
				zap.String("was", string(status)),
			)
		}
	}
	return reaped, nil
}

func stale(scan monitor.Scan, cutoff time.Time) bool {
	since := scan.CreatedAt
	if scan.StartedAt != nil {
		since = *scan.StartedAt
	}
	return since.Before(cutoff)
}
