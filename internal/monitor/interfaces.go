package monitor

import (
	"context"
	"time"
)

// SiteStore persists sites.
type SiteStore interface {
	CreateSite(ctx context.Context, site Site) error
	GetSite(ctx context.Context, siteID string) (Site, error)
	FindSiteByRoot(ctx context.Context, ownerID, rootURL string) (Site, error)
	UpdateSiteSettings(ctx context.Context, siteID, rootURL string, tags []string, at time.Time) error
	ListEnabledSites(ctx context.Context) ([]Site, error)
	TouchSiteScanned(ctx context.Context, siteID string, at time.Time) error
}

// SitemapStore persists sitemap rows and their fetch cache metadata.
type SitemapStore interface {
	// InsertSitemapIfAbsent creates the row unless (SiteID, URL) already exists.
	InsertSitemapIfAbsent(ctx context.Context, sitemap Sitemap) (bool, error)
	// ListSitemaps returns the site's sitemaps that are not retired.
	ListSitemaps(ctx context.Context, siteID string) ([]Sitemap, error)
	// RetireSitemaps retires the site's sitemaps whose URL is not in keep and
	// restores retired ones that are. It returns how many were retired.
	RetireSitemaps(ctx context.Context, siteID string, keep []string, at time.Time) (int, error)
	UpdateSitemapFetchState(ctx context.Context, sitemapID string, state FetchState) error
}

// URLStore persists URL records and change events.
type URLStore interface {
	ListURLRecords(ctx context.Context, sitemapID string) ([]URLRecord, error)
	CountActiveURLs(ctx context.Context, sitemapID string) (int, error)
	InsertURLRecord(ctx context.Context, record URLRecord) error
	UpdateURLRecord(ctx context.Context, record URLRecord) error
	InsertChange(ctx context.Context, change Change) error
	ListChangesByScan(ctx context.Context, scanID string) ([]Change, error)
}

// ScanStore persists scans and enforces the single-active-scan-per-site invariant.
type ScanStore interface {
	// CreateScanIfIdle atomically inserts scan unless the site already has a queued
	// or running scan, in which case that scan is returned with created=false.
	CreateScanIfIdle(ctx context.Context, scan Scan) (Scan, bool, error)
	GetScan(ctx context.Context, scanID string) (Scan, error)
	// MarkScanRunning transitions queued -> running, returning ErrScanNotQueued otherwise.
	MarkScanRunning(ctx context.Context, scanID string, startedAt time.Time) error
	// FinishScan writes the terminal update, returning ErrScanTerminal if already terminal.
	FinishScan(ctx context.Context, scanID string, outcome ScanOutcome) error
	ListScansByStatus(ctx context.Context, status ScanStatus, limit int) ([]Scan, error)
}

// ChannelStore loads notification targets.
type ChannelStore interface {
	ListNotificationChannels(ctx context.Context, siteID string) ([]NotificationChannel, error)
	ListLegacyWebhooks(ctx context.Context, siteID string) ([]LegacyWebhook, error)
}

// Store is the full persistence surface consumed by the engine.
type Store interface {
	SiteStore
	SitemapStore
	URLStore
	ScanStore
	ChannelStore
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes messages to a topic-based bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
