// Package diff reconciles one sitemap's current entries against its stored URL records.
package diff

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/fetch"
	"github.com/JakeFAU/sitemapwatch/internal/metrics"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
	"github.com/JakeFAU/sitemapwatch/internal/sitemap"
)

var (
	// ErrFetch marks a network failure or non-2xx response.
	ErrFetch = errors.New("sitemap fetch failed")
	// ErrParse marks a body that could not be parsed as a sitemap.
	ErrParse = errors.New("sitemap parse failed")
)

// Fetcher performs a single conditional GET.
type Fetcher interface {
	Get(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// Store is the persistence surface the engine mutates.
type Store interface {
	monitor.SitemapStore
	monitor.URLStore
}

// Config tunes the engine.
type Config struct {
	Timeout time.Duration
	// SnapshotPrefix roots archived bodies in the blob store.
	SnapshotPrefix string
}

// Result summarizes one reconciliation.
type Result struct {
	Added   int
	Removed int
	Updated int
	// Total is the number of distinct URLs the sitemap currently lists.
	Total int
}

// Engine fetches a sitemap and turns the delta into URL record mutations and Change rows.
type Engine struct {
	store   Store
	fetcher Fetcher
	blobs   monitor.BlobStore
	hasher  monitor.Hasher
	clock   monitor.Clock
	ids     monitor.IDGenerator
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewEngine wires an Engine. blobs may be nil to disable snapshot archiving.
func NewEngine(
	store Store,
	fetcher Fetcher,
	blobs monitor.BlobStore,
	hasher monitor.Hasher,
	clock monitor.Clock,
	ids monitor.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "sitemaps"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		fetcher: fetcher,
		blobs:   blobs,
		hasher:  hasher,
		clock:   clock,
		ids:     ids,
		cfg:     cfg,
		logger:  logger.Named("diff"),
		tracer:  otel.Tracer("github.com/JakeFAU/sitemapwatch/internal/diff"),
	}
}

// Reconcile fetches sm conditionally and applies the delta, attributing every Change to scanID.
// Fetch metadata is persisted before any error is returned.
func (e *Engine) Reconcile(ctx context.Context, scanID string, sm monitor.Sitemap) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "sitemap.reconcile", trace.WithAttributes(
		attribute.String("scan.id", scanID),
		attribute.String("sitemap.id", sm.ID),
		attribute.String("sitemap.url", sm.URL),
	))
	defer span.End()

	res, err := e.reconcile(ctx, scanID, sm)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Int("urls.added", res.Added),
		attribute.Int("urls.removed", res.Removed),
		attribute.Int("urls.updated", res.Updated),
		attribute.Int("urls.total", res.Total),
	)
	return res, nil
}

func (e *Engine) reconcile(ctx context.Context, scanID string, sm monitor.Sitemap) (Result, error) {
	logger := e.logger.With(zap.String("scan_id", scanID), zap.String("sitemap_url", sm.URL))

	resp, fetchErr := e.fetcher.Get(ctx, fetch.Request{
		URL:          sm.URL,
		ETag:         sm.LastETag,
		LastModified: sm.LastModified,
		Timeout:      e.cfg.Timeout,
	})
	now := e.clock.Now()
	metrics.ObserveSitemapFetch(resp.StatusCode, resp.Duration)

	state := monitor.FetchState{
		LastStatus:      resp.StatusCode,
		LastETag:        sm.LastETag,
		LastModified:    sm.LastModified,
		LastContentHash: sm.LastContentHash,
		UpdatedAt:       now,
	}
	if fetchErr != nil {
		state.LastStatus = 0
		if err := e.saveState(ctx, sm.ID, state); err != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %v", ErrFetch, fetchErr)
	}
	if resp.ETag != "" {
		state.LastETag = resp.ETag
	}
	if resp.LastModified != "" {
		state.LastModified = resp.LastModified
	}

	if resp.NotModified() {
		if err := e.saveState(ctx, sm.ID, state); err != nil {
			return Result{}, err
		}
		total, err := e.store.CountActiveURLs(ctx, sm.ID)
		if err != nil {
			return Result{}, fmt.Errorf("count active urls: %w", err)
		}
		logger.Debug("sitemap not modified")
		return Result{Total: total}, nil
	}
	if !resp.OK() {
		if err := e.saveState(ctx, sm.ID, state); err != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %s returned status %d", ErrFetch, sm.URL, resp.StatusCode)
	}

	digest, err := e.hasher.Hash(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("hash sitemap body: %w", err)
	}
	if digest != sm.LastContentHash {
		e.archive(ctx, sm, digest, resp.Body, logger)
	}
	state.LastContentHash = digest
	if err := e.saveState(ctx, sm.ID, state); err != nil {
		return Result{}, err
	}

	doc, err := sitemap.Parse(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrParse, sm.URL, err)
	}
	if doc.IsIndex() {
		return Result{}, nil
	}
	return e.apply(ctx, scanID, sm, doc.URLs, now)
}

func (e *Engine) saveState(ctx context.Context, sitemapID string, state monitor.FetchState) error {
	if err := e.store.UpdateSitemapFetchState(ctx, sitemapID, state); err != nil {
		return fmt.Errorf("update sitemap fetch state: %w", err)
	}
	return nil
}

func (e *Engine) archive(ctx context.Context, sm monitor.Sitemap, digest string, body []byte, logger *zap.Logger) {
	if e.blobs == nil {
		return
	}
	key := path.Join(e.cfg.SnapshotPrefix, sm.SiteID, sm.ID, digest+".xml")
	uri, err := e.blobs.PutObject(ctx, key, "application/xml", body)
	if err != nil {
		logger.Warn("sitemap snapshot archive failed", zap.String("path", key), zap.Error(err))
		return
	}
	logger.Debug("sitemap snapshot archived", zap.String("uri", uri))
}

// apply diffs entries against stored records. The last occurrence of a repeated loc wins.
func (e *Engine) apply(
	ctx context.Context,
	scanID string,
	sm monitor.Sitemap,
	entries []sitemap.Entry,
	now time.Time,
) (Result, error) {
	existing, err := e.store.ListURLRecords(ctx, sm.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list url records: %w", err)
	}
	byLoc := make(map[string]monitor.URLRecord, len(existing))
	for _, rec := range existing {
		byLoc[rec.Loc] = rec
	}

	fresh := make(map[string]sitemap.Entry, len(entries))
	order := make([]string, 0, len(entries))
	for _, entry := range entries {
		if _, seen := fresh[entry.Loc]; !seen {
			order = append(order, entry.Loc)
		}
		fresh[entry.Loc] = entry
	}

	var res Result
	for _, loc := range order {
		entry := fresh[loc]
		rec, known := byLoc[loc]
		if !known {
			if err := e.insert(ctx, scanID, sm, entry, now); err != nil {
				return res, err
			}
			res.Added++
			continue
		}

		changed := fieldChanges(rec, entry)
		rec.LastMod = entry.LastMod
		rec.ChangeFreq = entry.ChangeFreq
		rec.Priority = entry.Priority
		rec.Status = monitor.URLActive
		rec.LastSeenAt = now
		if err := e.store.UpdateURLRecord(ctx, rec); err != nil {
			return res, fmt.Errorf("update url record %s: %w", loc, err)
		}

		// A record listed again is reactivated silently; only field edits are reported.
		if len(changed) > 0 {
			detail := loc + " " + strings.Join(changed, "; ")
			if err := e.record(ctx, scanID, sm.SiteID, rec.ID, monitor.ChangeUpdated, detail, now); err != nil {
				return res, err
			}
			res.Updated++
		}
	}

	for _, rec := range existing {
		if _, listed := fresh[rec.Loc]; listed || rec.Status != monitor.URLActive {
			continue
		}
		rec.Status = monitor.URLInactive
		rec.LastSeenAt = now
		if err := e.store.UpdateURLRecord(ctx, rec); err != nil {
			return res, fmt.Errorf("deactivate url record %s: %w", rec.Loc, err)
		}
		if err := e.record(ctx, scanID, sm.SiteID, rec.ID, monitor.ChangeRemoved, rec.Loc, now); err != nil {
			return res, err
		}
		res.Removed++
	}

	res.Total = len(order)
	return res, nil
}

func (e *Engine) insert(ctx context.Context, scanID string, sm monitor.Sitemap, entry sitemap.Entry, now time.Time) error {
	id, err := e.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate url record id: %w", err)
	}
	rec := monitor.URLRecord{
		ID:          id,
		SiteID:      sm.SiteID,
		SitemapID:   sm.ID,
		Loc:         entry.Loc,
		LastMod:     entry.LastMod,
		ChangeFreq:  entry.ChangeFreq,
		Priority:    entry.Priority,
		Status:      monitor.URLActive,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := e.store.InsertURLRecord(ctx, rec); err != nil {
		return fmt.Errorf("insert url record %s: %w", entry.Loc, err)
	}
	return e.record(ctx, scanID, sm.SiteID, id, monitor.ChangeAdded, entry.Loc, now)
}

func (e *Engine) record(
	ctx context.Context,
	scanID, siteID, recordID string,
	changeType monitor.ChangeType,
	detail string,
	now time.Time,
) error {
	id, err := e.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate change id: %w", err)
	}
	change := monitor.Change{
		ID:          id,
		SiteID:      siteID,
		ScanID:      scanID,
		URLRecordID: recordID,
		Type:        changeType,
		Detail:      detail,
		OccurredAt:  now,
		Source:      monitor.ChangeSourceScan,
	}
	if err := e.store.InsertChange(ctx, change); err != nil {
		return fmt.Errorf("insert %s change: %w", changeType, err)
	}
	metrics.ObserveChange(string(changeType))
	return nil
}

// fieldChanges lists "field: old → new" for each optional field whose value differs.
func fieldChanges(rec monitor.URLRecord, entry sitemap.Entry) []string {
	var out []string
	add := func(field, oldValue, newValue string) {
		if oldValue == newValue {
			return
		}
		out = append(out, fmt.Sprintf("%s: %s → %s", field, orNone(oldValue), orNone(newValue)))
	}
	add("lastmod", rec.LastMod, entry.LastMod)
	add("changefreq", rec.ChangeFreq, entry.ChangeFreq)
	add("priority", rec.Priority, entry.Priority)
	return out
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}
