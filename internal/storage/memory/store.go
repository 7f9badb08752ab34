// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

// Store implements monitor.Store in memory. A single mutex makes every
// check-and-write atomic, including the one-active-scan-per-site guard.
type Store struct {
	mu       sync.RWMutex
	sites    map[string]monitor.Site
	sitemaps map[string]monitor.Sitemap
	urls     map[string]monitor.URLRecord
	scans    map[string]monitor.Scan
	changes  []monitor.Change
	channels map[string][]monitor.NotificationChannel
	webhooks map[string][]monitor.LegacyWebhook
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sites:    make(map[string]monitor.Site),
		sitemaps: make(map[string]monitor.Sitemap),
		urls:     make(map[string]monitor.URLRecord),
		scans:    make(map[string]monitor.Scan),
		channels: make(map[string][]monitor.NotificationChannel),
		webhooks: make(map[string][]monitor.LegacyWebhook),
	}
}

// CreateSite stores a new site.
func (s *Store) CreateSite(_ context.Context, site monitor.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sites[site.ID]; exists {
		return errors.New("site already exists")
	}
	site.Tags = append([]string(nil), site.Tags...)
	s.sites[site.ID] = site
	return nil
}

// GetSite fetches a site by ID.
func (s *Store) GetSite(_ context.Context, siteID string) (monitor.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return monitor.Site{}, fmt.Errorf("site %s: %w", siteID, monitor.ErrNotFound)
	}
	return site, nil
}

// FindSiteByRoot returns the owner's site registered for rootURL.
func (s *Store) FindSiteByRoot(_ context.Context, ownerID, rootURL string) (monitor.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, site := range s.sites {
		if site.OwnerID == ownerID && site.RootURL == rootURL {
			return site, nil
		}
	}
	return monitor.Site{}, fmt.Errorf("site %s: %w", rootURL, monitor.ErrNotFound)
}

// UpdateSiteSettings replaces the root URL and tags of a site.
func (s *Store) UpdateSiteSettings(_ context.Context, siteID, rootURL string, tags []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return fmt.Errorf("site %s: %w", siteID, monitor.ErrNotFound)
	}
	site.RootURL = rootURL
	site.Tags = append([]string(nil), tags...)
	site.UpdatedAt = at
	s.sites[siteID] = site
	return nil
}

// SetSiteSchedule updates enabled, priority and interval. Used by admin tooling and tests.
func (s *Store) SetSiteSchedule(siteID string, enabled bool, priority, intervalMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return fmt.Errorf("site %s: %w", siteID, monitor.ErrNotFound)
	}
	site.Enabled = enabled
	site.ScanPriority = priority
	site.ScanIntervalMinutes = intervalMinutes
	s.sites[siteID] = site
	return nil
}

// ListEnabledSites returns every enabled site ordered by ID.
func (s *Store) ListEnabledSites(_ context.Context) ([]monitor.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Site, 0, len(s.sites))
	for _, site := range s.sites {
		if site.Enabled {
			out = append(out, site)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TouchSiteScanned stamps the site's last scan time.
func (s *Store) TouchSiteScanned(_ context.Context, siteID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return fmt.Errorf("site %s: %w", siteID, monitor.ErrNotFound)
	}
	site.LastScanAt = &at
	s.sites[siteID] = site
	return nil
}

// InsertSitemapIfAbsent creates the sitemap unless (SiteID, URL) is already known.
func (s *Store) InsertSitemapIfAbsent(_ context.Context, sitemap monitor.Sitemap) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sitemaps {
		if existing.SiteID == sitemap.SiteID && existing.URL == sitemap.URL {
			return false, nil
		}
	}
	s.sitemaps[sitemap.ID] = sitemap
	return true, nil
}

// ListSitemaps returns a site's sitemaps ordered by creation then URL.
func (s *Store) ListSitemaps(_ context.Context, siteID string) ([]monitor.Sitemap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Sitemap
	for _, sm := range s.sitemaps {
		if sm.SiteID == siteID && sm.RetiredAt == nil {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].URL < out[j].URL
	})
	return out, nil
}

// RetireSitemaps retires sitemaps of siteID missing from keep and restores listed ones.
func (s *Store) RetireSitemaps(_ context.Context, siteID string, keep []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	listed := make(map[string]struct{}, len(keep))
	for _, u := range keep {
		listed[u] = struct{}{}
	}
	retired := 0
	for id, sm := range s.sitemaps {
		if sm.SiteID != siteID {
			continue
		}
		_, ok := listed[sm.URL]
		switch {
		case ok && sm.RetiredAt != nil:
			sm.RetiredAt = nil
		case !ok && sm.RetiredAt == nil:
			ts := at
			sm.RetiredAt = &ts
			retired++
		default:
			continue
		}
		sm.UpdatedAt = at
		s.sitemaps[id] = sm
	}
	return retired, nil
}

// GetSitemap fetches a sitemap by ID.
func (s *Store) GetSitemap(_ context.Context, sitemapID string) (monitor.Sitemap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.sitemaps[sitemapID]
	if !ok {
		return monitor.Sitemap{}, fmt.Errorf("sitemap %s: %w", sitemapID, monitor.ErrNotFound)
	}
	return sm, nil
}

// UpdateSitemapFetchState records cache metadata from the latest fetch attempt.
func (s *Store) UpdateSitemapFetchState(_ context.Context, sitemapID string, state monitor.FetchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.sitemaps[sitemapID]
	if !ok {
		return fmt.Errorf("sitemap %s: %w", sitemapID, monitor.ErrNotFound)
	}
	sm.LastStatus = state.LastStatus
	sm.LastETag = state.LastETag
	sm.LastModified = state.LastModified
	sm.LastContentHash = state.LastContentHash
	sm.UpdatedAt = state.UpdatedAt
	s.sitemaps[sitemapID] = sm
	return nil
}

// ListURLRecords returns every record of a sitemap, active or not.
func (s *Store) ListURLRecords(_ context.Context, sitemapID string) ([]monitor.URLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.URLRecord
	for _, rec := range s.urls {
		if rec.SitemapID == sitemapID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Loc < out[j].Loc })
	return out, nil
}

// CountActiveURLs counts active records of a sitemap.
func (s *Store) CountActiveURLs(_ context.Context, sitemapID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.urls {
		if rec.SitemapID == sitemapID && rec.Status == monitor.URLActive {
			n++
		}
	}
	return n, nil
}

// InsertURLRecord adds a record, enforcing (SitemapID, Loc) uniqueness.
func (s *Store) InsertURLRecord(_ context.Context, record monitor.URLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.urls {
		if existing.SitemapID == record.SitemapID && existing.Loc == record.Loc {
			return fmt.Errorf("url record %s already exists for sitemap %s", record.Loc, record.SitemapID)
		}
	}
	s.urls[record.ID] = record
	return nil
}

// UpdateURLRecord replaces the mutable fields of a record.
func (s *Store) UpdateURLRecord(_ context.Context, record monitor.URLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.urls[record.ID]
	if !ok {
		return fmt.Errorf("url record %s: %w", record.ID, monitor.ErrNotFound)
	}
	existing.LastMod = record.LastMod
	existing.ChangeFreq = record.ChangeFreq
	existing.Priority = record.Priority
	existing.Status = record.Status
	existing.LastSeenAt = record.LastSeenAt
	s.urls[record.ID] = existing
	return nil
}

// InsertChange appends an audit record.
func (s *Store) InsertChange(_ context.Context, change monitor.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change)
	return nil
}

// ListChangesByScan returns the changes attributed to a scan in insertion order.
func (s *Store) ListChangesByScan(_ context.Context, scanID string) ([]monitor.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Change
	for _, c := range s.changes {
		if c.ScanID == scanID {
			out = append(out, c)
		}
	}
	return out, nil
}

// CreateScanIfIdle inserts scan unless the site already has an active scan.
func (s *Store) CreateScanIfIdle(_ context.Context, scan monitor.Scan) (monitor.Scan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.scans {
		if existing.SiteID == scan.SiteID && existing.Status.Active() {
			return existing, false, nil
		}
	}
	if _, exists := s.scans[scan.ID]; exists {
		return monitor.Scan{}, false, errors.New("scan already exists")
	}
	s.scans[scan.ID] = scan
	return scan, true, nil
}

// GetScan fetches a scan by ID.
func (s *Store) GetScan(_ context.Context, scanID string) (monitor.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return monitor.Scan{}, fmt.Errorf("scan %s: %w", scanID, monitor.ErrNotFound)
	}
	return scan, nil
}

// MarkScanRunning moves a queued scan to running.
func (s *Store) MarkScanRunning(_ context.Context, scanID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return fmt.Errorf("scan %s: %w", scanID, monitor.ErrNotFound)
	}
	if scan.Status != monitor.ScanQueued {
		return fmt.Errorf("scan %s is %s: %w", scanID, scan.Status, monitor.ErrScanNotQueued)
	}
	scan.Status = monitor.ScanRunning
	scan.StartedAt = &startedAt
	s.scans[scanID] = scan
	return nil
}

// FinishScan writes the terminal state once.
func (s *Store) FinishScan(_ context.Context, scanID string, outcome monitor.ScanOutcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("finish scan %s: status %q is not terminal", scanID, outcome.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok {
		return fmt.Errorf("scan %s: %w", scanID, monitor.ErrNotFound)
	}
	if scan.Status.Terminal() {
		return fmt.Errorf("scan %s is %s: %w", scanID, scan.Status, monitor.ErrScanTerminal)
	}
	scan.Status = outcome.Status
	finished := outcome.FinishedAt
	scan.FinishedAt = &finished
	scan.Counts = outcome.Counts
	scan.Error = outcome.Error
	s.scans[scanID] = scan
	return nil
}

// ListScansByStatus returns up to limit scans in status, oldest first. limit <= 0 means no limit.
func (s *Store) ListScansByStatus(_ context.Context, status monitor.ScanStatus, limit int) ([]monitor.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Scan
	for _, scan := range s.scans {
		if scan.Status == status {
			out = append(out, scan)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListScansBySite returns every scan of a site, oldest first.
func (s *Store) ListScansBySite(_ context.Context, siteID string) ([]monitor.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Scan
	for _, scan := range s.scans {
		if scan.SiteID == siteID {
			out = append(out, scan)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AddNotificationChannel registers a channel for a site.
func (s *Store) AddNotificationChannel(channel monitor.NotificationChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel.SiteID] = append(s.channels[channel.SiteID], channel)
}

// AddLegacyWebhook registers a legacy webhook for a site.
func (s *Store) AddLegacyWebhook(hook monitor.LegacyWebhook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[hook.SiteID] = append(s.webhooks[hook.SiteID], hook)
}

// ListNotificationChannels returns the site's channels.
func (s *Store) ListNotificationChannels(_ context.Context, siteID string) ([]monitor.NotificationChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]monitor.NotificationChannel(nil), s.channels[siteID]...), nil
}

// ListLegacyWebhooks returns the site's legacy webhooks.
func (s *Store) ListLegacyWebhooks(_ context.Context, siteID string) ([]monitor.LegacyWebhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]monitor.LegacyWebhook(nil), s.webhooks[siteID]...), nil
}

var _ monitor.Store = (*Store)(nil)
