// Package scheduler decides which sites get scanned, enqueues scans, and
// drains the scan queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/lease"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

// Execution modes for the manual trigger.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Outcome is the status reported by EnqueueScan.
type Outcome string

// Enqueue outcomes. OutcomeAlreadyRunning is expected, not an error.
const (
	OutcomeQueued         Outcome = "queued"
	OutcomeAlreadyRunning Outcome = "already_running"
	OutcomeSuccess        Outcome = "success"
	OutcomeFailed         Outcome = "failed"
)

// Executor runs one queued scan to a terminal state.
type Executor interface {
	Execute(ctx context.Context, scanID string) (monitor.Scan, error)
}

// Store is the persistence surface the scheduler reads and writes.
type Store interface {
	monitor.ScanStore
	GetSite(ctx context.Context, siteID string) (monitor.Site, error)
	ListEnabledSites(ctx context.Context) ([]monitor.Site, error)
}

// Config tunes scheduling.
type Config struct {
	Mode               string
	MinIntervalMinutes int
	// CronMaxSites caps CronScan when the caller passes no cap.
	CronMaxSites int
}

// EnqueueResult is returned by EnqueueScan.
type EnqueueResult struct {
	ScanID string  `json:"scan_id"`
	Status Outcome `json:"status"`
}

// CronResult is the per-site line of a CronReport.
type CronResult struct {
	SiteID string  `json:"site_id"`
	ScanID string  `json:"scan_id,omitempty"`
	Status Outcome `json:"status"`
	Error  string  `json:"error,omitempty"`
}

// CronReport summarizes one due-site pass.
type CronReport struct {
	SitesChecked int          `json:"sites_checked"`
	DueCount     int          `json:"due_count"`
	Processed    int          `json:"processed"`
	Results      []CronResult `json:"results"`
	// Skipped is set when another replica holds the cron lease.
	Skipped bool `json:"skipped,omitempty"`
}

// DrainResult is the per-scan line of a DrainReport.
type DrainResult struct {
	ScanID string             `json:"scan_id"`
	SiteID string             `json:"site_id"`
	Status monitor.ScanStatus `json:"status"`
	Error  string             `json:"error,omitempty"`
}

// DrainReport summarizes a queue drain.
type DrainReport struct {
	Picked  int           `json:"picked"`
	Results []DrainResult `json:"results,omitempty"`
}

// Scheduler owns scan creation and hands scans to an Executor.
type Scheduler struct {
	store  Store
	exec   Executor
	clock  monitor.Clock
	ids    monitor.IDGenerator
	lease  lease.Lease
	cfg    Config
	logger *zap.Logger

	wg sync.WaitGroup
}

// New wires a Scheduler. cronLease may be nil when only one replica runs.
func New(
	store Store,
	exec Executor,
	clock monitor.Clock,
	ids monitor.IDGenerator,
	cronLease lease.Lease,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Mode == "" {
		cfg.Mode = ModeSync
	}
	if cfg.MinIntervalMinutes <= 0 {
		cfg.MinIntervalMinutes = monitor.MinScanIntervalMinutes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  store,
		exec:   exec,
		clock:  clock,
		ids:    ids,
		lease:  cronLease,
		cfg:    cfg,
		logger: logger.Named("scheduler"),
	}
}

// EnqueueScan creates a queued scan for siteID unless one is already active.
// In sync mode the scan runs before returning; in async mode it runs in the background.
func (s *Scheduler) EnqueueScan(ctx context.Context, siteID string) (EnqueueResult, error) {
	if _, err := s.store.GetSite(ctx, siteID); err != nil {
		return EnqueueResult{}, fmt.Errorf("load site: %w", err)
	}
	scan, created, err := s.createScan(ctx, siteID)
	if err != nil {
		return EnqueueResult{}, err
	}
	logger := s.logger.With(zap.String("site_id", siteID), zap.String("scan_id", scan.ID))
	if !created {
		logger.Info("scan already active", zap.String("status", string(scan.Status)))
		return EnqueueResult{ScanID: scan.ID, Status: OutcomeAlreadyRunning}, nil
	}

	if s.cfg.Mode == ModeAsync {
		s.spawn(ctx, scan.ID)
		logger.Info("scan queued")
		return EnqueueResult{ScanID: scan.ID, Status: OutcomeQueued}, nil
	}

	// A running scan is never cancelled from outside; fetch timeouts bound it.
	done, err := s.exec.Execute(context.WithoutCancel(ctx), scan.ID)
	if err != nil {
		logger.Warn("scan execution failed", zap.Error(err))
	}
	switch done.Status {
	case monitor.ScanSuccess:
		return EnqueueResult{ScanID: scan.ID, Status: OutcomeSuccess}, nil
	case monitor.ScanFailed:
		return EnqueueResult{ScanID: scan.ID, Status: OutcomeFailed}, nil
	}
	if errors.Is(err, monitor.ErrScanNotQueued) {
		return EnqueueResult{ScanID: scan.ID, Status: OutcomeAlreadyRunning}, nil
	}
	return EnqueueResult{ScanID: scan.ID, Status: OutcomeFailed}, nil
}

// CronScan enqueues every due site, up to maxSites, and starts each scan in
// the background. maxSites <= 0 falls back to the configured cap.
func (s *Scheduler) CronScan(ctx context.Context, maxSites int) (CronReport, error) {
	if s.lease != nil {
		ok, err := s.lease.TryAcquire(ctx)
		if err != nil {
			return CronReport{}, fmt.Errorf("acquire cron lease: %w", err)
		}
		if !ok {
			s.logger.Info("cron lease held elsewhere; skipping pass")
			return CronReport{Skipped: true, Results: []CronResult{}}, nil
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Debug("release cron lease", zap.Error(err))
			}
		}()
	}

	if maxSites <= 0 {
		maxSites = s.cfg.CronMaxSites
	}
	sites, err := s.store.ListEnabledSites(ctx)
	if err != nil {
		return CronReport{}, fmt.Errorf("list enabled sites: %w", err)
	}
	due := SelectDue(sites, s.clock.Now(), s.cfg.MinIntervalMinutes, 0)
	report := CronReport{
		SitesChecked: len(sites),
		DueCount:     len(due),
		Results:      make([]CronResult, 0, len(due)),
	}
	if maxSites > 0 && len(due) > maxSites {
		due = due[:maxSites]
	}

	for _, site := range due {
		res := CronResult{SiteID: site.ID}
		scan, created, err := s.createScan(ctx, site.ID)
		switch {
		case err != nil:
			res.Status = OutcomeFailed
			res.Error = err.Error()
			s.logger.Warn("enqueue due site failed", zap.String("site_id", site.ID), zap.Error(err))
		case !created:
			res.ScanID = scan.ID
			res.Status = OutcomeAlreadyRunning
		default:
			res.ScanID = scan.ID
			res.Status = OutcomeQueued
			s.spawn(ctx, scan.ID)
			report.Processed++
		}
		report.Results = append(report.Results, res)
	}

	s.logger.Info("cron pass finished",
		zap.Int("sites_checked", report.SitesChecked),
		zap.Int("due", report.DueCount),
		zap.Int("processed", report.Processed),
	)
	return report, nil
}

// ProcessQueuedScans runs up to maxConcurrent queued scans concurrently and waits for all of them.
func (s *Scheduler) ProcessQueuedScans(ctx context.Context, maxConcurrent int) (DrainReport, error) {
	scans, err := s.queued(ctx, maxConcurrent)
	if err != nil {
		return DrainReport{}, err
	}
	report := DrainReport{Picked: len(scans), Results: make([]DrainResult, len(scans))}

	runCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i, scan := range scans {
		wg.Add(1)
		go func(i int, scan monitor.Scan) {
			defer wg.Done()
			res := DrainResult{ScanID: scan.ID, SiteID: scan.SiteID}
			done, err := s.exec.Execute(runCtx, scan.ID)
			res.Status = done.Status
			if err != nil {
				res.Error = err.Error()
			}
			if res.Status == "" {
				res.Status = scan.Status
			}
			report.Results[i] = res
		}(i, scan)
	}
	wg.Wait()
	return report, nil
}

// StartQueuedScans launches up to maxConcurrent queued scans and returns without waiting.
func (s *Scheduler) StartQueuedScans(ctx context.Context, maxConcurrent int) (DrainReport, error) {
	scans, err := s.queued(ctx, maxConcurrent)
	if err != nil {
		return DrainReport{}, err
	}
	report := DrainReport{Picked: len(scans), Results: make([]DrainResult, 0, len(scans))}
	for _, scan := range scans {
		s.spawn(ctx, scan.ID)
		report.Results = append(report.Results, DrainResult{ScanID: scan.ID, SiteID: scan.SiteID, Status: monitor.ScanQueued})
	}
	return report, nil
}

// Wait blocks until every background scan started by this scheduler returns.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Shutdown waits for background scans or until ctx expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background scans: %w", ctx.Err())
	}
}

func (s *Scheduler) queued(ctx context.Context, limit int) ([]monitor.Scan, error) {
	if limit <= 0 {
		limit = 1
	}
	scans, err := s.store.ListScansByStatus(ctx, monitor.ScanQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued scans: %w", err)
	}
	return scans, nil
}

func (s *Scheduler) createScan(ctx context.Context, siteID string) (monitor.Scan, bool, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return monitor.Scan{}, false, fmt.Errorf("generate scan id: %w", err)
	}
	scan, created, err := s.store.CreateScanIfIdle(ctx, monitor.Scan{
		ID:        id,
		SiteID:    siteID,
		Status:    monitor.ScanQueued,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return monitor.Scan{}, false, fmt.Errorf("create scan: %w", err)
	}
	return scan, created, nil
}

// spawn runs a scan on a context detached from the caller, so the caller can
// return (or its request can end) while the scan keeps going.
func (s *Scheduler) spawn(ctx context.Context, scanID string) {
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		scan, err := s.exec.Execute(bg, scanID)
		if err != nil {
			s.logger.Warn("background scan failed",
				zap.String("scan_id", scanID),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug("background scan finished",
			zap.String("scan_id", scanID),
			zap.String("status", string(scan.Status)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}()
}
