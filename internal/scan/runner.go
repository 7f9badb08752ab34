// Package scan runs one site scan across its sitemaps and guarantees the scan
// always reaches a terminal state.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/diff"
	"github.com/JakeFAU/sitemapwatch/internal/metrics"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
	"github.com/JakeFAU/sitemapwatch/internal/notify"
)

// Error texts written by the forced-failure paths.
const (
	SafetyNetMessage = "forced by safety net"
	ReaperMessage    = "forced by stale-scan reaper"
)

// ErrPanicked wraps a panic recovered while a scan was running.
var ErrPanicked = errors.New("scan panicked")

// Reconciler diffs one sitemap on behalf of a scan.
type Reconciler interface {
	Reconcile(ctx context.Context, scanID string, sm monitor.Sitemap) (diff.Result, error)
}

// Notifier delivers scan events. Implementations swallow their own failures.
type Notifier interface {
	Dispatch(ctx context.Context, siteID string, ev notify.Event)
}

// Store is the persistence surface a scan touches.
type Store interface {
	monitor.ScanStore
	ListSitemaps(ctx context.Context, siteID string) ([]monitor.Sitemap, error)
	TouchSiteScanned(ctx context.Context, siteID string, at time.Time) error
}

// Config tunes the runner.
type Config struct {
	// FinalizeTimeout bounds terminal writes and notifications, which run
	// detached from the caller's context.
	FinalizeTimeout time.Duration
}

// Runner executes queued scans.
type Runner struct {
	store      Store
	reconciler Reconciler
	notifier   Notifier
	clock      monitor.Clock
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewRunner wires a Runner. notifier may be nil.
func NewRunner(store Store, reconciler Reconciler, notifier Notifier, clock monitor.Clock, cfg Config, logger *zap.Logger) *Runner {
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:      store,
		reconciler: reconciler,
		notifier:   notifier,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("scan"),
		tracer:     otel.Tracer("github.com/JakeFAU/sitemapwatch/internal/scan"),
	}
}

// Execute moves a queued scan through running to success or failed.
//
// Per-sitemap failures mark the scan failed but are not returned. A returned
// error means the scan could not be run at all; in that case the scan has
// already been forced to failed unless another worker owns it.
func (r *Runner) Execute(ctx context.Context, scanID string) (result monitor.Scan, err error) {
	ctx, span := r.tracer.Start(ctx, "scan.execute", trace.WithAttributes(attribute.String("scan.id", scanID)))
	defer span.End()

	scan, err := r.store.GetScan(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		return monitor.Scan{}, fmt.Errorf("load scan: %w", err)
	}
	span.SetAttributes(attribute.String("site.id", scan.SiteID))
	logger := r.logger.With(zap.String("scan_id", scan.ID), zap.String("site_id", scan.SiteID))

	metrics.IncActiveScans()
	defer metrics.DecActiveScans()

	// settled is true once the terminal write landed or the scan turned out
	// not to be ours. The safety net below only fires while it is false.
	settled := false
	defer func() {
		if settled {
			return
		}
		logger.Error("scan exited without a terminal state; forcing failure")
		if ferr := r.forceFail(ctx, &scan, SafetyNetMessage); ferr != nil {
			logger.Error("safety net write failed", zap.Error(ferr))
			return
		}
		result = scan
	}()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrPanicked, rec)
			logger.Error("scan panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if settled {
			return
		}
		if ferr := r.forceFail(ctx, &scan, err.Error()); ferr != nil {
			logger.Error("record scan failure", zap.Error(ferr))
			return
		}
		settled = true
		result = scan
		r.afterTerminal(ctx, scan, logger)
	}()

	startedAt := r.clock.Now()
	if err := r.store.MarkScanRunning(ctx, scan.ID, startedAt); err != nil {
		if errors.Is(err, monitor.ErrScanNotQueued) {
			settled = true
		}
		return scan, fmt.Errorf("mark scan running: %w", err)
	}
	scan.Status = monitor.ScanRunning
	scan.StartedAt = &startedAt
	logger.Info("scan started")

	sitemaps, err := r.store.ListSitemaps(ctx, scan.SiteID)
	if err != nil {
		return scan, fmt.Errorf("list sitemaps: %w", err)
	}

	counts := monitor.ScanCounts{TotalSitemaps: len(sitemaps)}
	var failures []string
	for _, sm := range sitemaps {
		res, rerr := r.reconciler.Reconcile(ctx, scan.ID, sm)
		counts.TotalURLs += res.Total
		counts.Added += res.Added
		counts.Removed += res.Removed
		counts.Updated += res.Updated
		if rerr != nil {
			logger.Warn("sitemap scan failed", zap.String("sitemap_url", sm.URL), zap.Error(rerr))
			failures = append(failures, fmt.Sprintf("%s: %v", sm.URL, rerr))
		}
	}

	outcome := monitor.ScanOutcome{
		Status:     monitor.ScanSuccess,
		FinishedAt: r.clock.Now(),
		Counts:     counts,
	}
	if len(failures) > 0 {
		outcome.Status = monitor.ScanFailed
		outcome.Error = strings.Join(failures, "; ")
	}

	if err := r.finish(ctx, &scan, outcome); err != nil {
		if errors.Is(err, monitor.ErrScanTerminal) {
			settled = true
		}
		return scan, fmt.Errorf("finish scan: %w", err)
	}
	settled = true

	logger.Info("scan finished",
		zap.String("status", string(scan.Status)),
		zap.Int("sitemaps", counts.TotalSitemaps),
		zap.Int("urls", counts.TotalURLs),
		zap.Int("added", counts.Added),
		zap.Int("removed", counts.Removed),
		zap.Int("updated", counts.Updated),
	)
	span.SetAttributes(
		attribute.String("scan.status", string(scan.Status)),
		attribute.Int("scan.added", counts.Added),
		attribute.Int("scan.removed", counts.Removed),
		attribute.Int("scan.updated", counts.Updated),
	)
	r.afterTerminal(ctx, scan, logger)
	return scan, nil
}

// finish writes the single terminal update on a context the caller cannot cancel.
func (r *Runner) finish(ctx context.Context, scan *monitor.Scan, outcome monitor.ScanOutcome) error {
	ctx, cancel := r.detached(ctx)
	defer cancel()
	if err := r.store.FinishScan(ctx, scan.ID, outcome); err != nil {
		return err
	}
	scan.Status = outcome.Status
	finished := outcome.FinishedAt
	scan.FinishedAt = &finished
	scan.Counts = outcome.Counts
	scan.Error = outcome.Error
	metrics.ObserveScan(string(outcome.Status))
	return nil
}

func (r *Runner) forceFail(ctx context.Context, scan *monitor.Scan, message string) error {
	return r.finish(ctx, scan, monitor.ScanOutcome{
		Status:     monitor.ScanFailed,
		FinishedAt: r.clock.Now(),
		Counts:     scan.Counts,
		Error:      message,
	})
}

// afterTerminal stamps the site and notifies. Nothing here can change the scan's outcome.
func (r *Runner) afterTerminal(ctx context.Context, scan monitor.Scan, logger *zap.Logger) {
	ctx, cancel := r.detached(ctx)
	defer cancel()

	at := r.clock.Now()
	if scan.FinishedAt != nil {
		at = *scan.FinishedAt
	}
	if err := r.store.TouchSiteScanned(ctx, scan.SiteID, at); err != nil {
		logger.Warn("update site last scan time failed", zap.Error(err))
	}

	if r.notifier == nil {
		return
	}
	r.notifier.Dispatch(ctx, scan.SiteID, notify.ScanComplete(scan, r.clock.Now()))
	if scan.Status == monitor.ScanSuccess && scan.Counts.HasChanges() {
		r.notifier.Dispatch(ctx, scan.SiteID, notify.ChangeSummary(scan.SiteID, scan.ID, scan.Counts, r.clock.Now()))
	}
}

func (r *Runner) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FinalizeTimeout)
}
