package monitor

import (
	"errors"
	"time"
)

// ScanStatus represents the lifecycle state of a scan.
type ScanStatus string

// Scan status values persisted in the scan store.
const (
	ScanQueued  ScanStatus = "queued"
	ScanRunning ScanStatus = "running"
	ScanSuccess ScanStatus = "success"
	ScanFailed  ScanStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s ScanStatus) Terminal() bool {
	return s == ScanSuccess || s == ScanFailed
}

// Active reports whether the scan still occupies the site's single active slot.
func (s ScanStatus) Active() bool {
	return s == ScanQueued || s == ScanRunning
}

// URLStatus marks whether a URL is still listed by its sitemap.
type URLStatus string

// URL record states. Records are never deleted; removal flips them to inactive.
const (
	URLActive   URLStatus = "active"
	URLInactive URLStatus = "inactive"
)

// ChangeType classifies an audit record.
type ChangeType string

// Change types emitted by the diff engine.
const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
	ChangeUpdated ChangeType = "updated"
)

// ChangeSourceScan tags changes produced by a sitemap scan.
const ChangeSourceScan = "scan"

// ChannelType identifies a notification transport.
type ChannelType string

// Supported notification channel types.
const (
	ChannelWebhook ChannelType = "webhook"
	ChannelEmail   ChannelType = "email"
	ChannelSlack   ChannelType = "slack"
)

// Scan priority and interval bounds.
const (
	MinScanPriority        = 1
	MaxScanPriority        = 5
	MinScanIntervalMinutes = 5
)

// Sentinel errors returned by stores.
var (
	ErrNotFound      = errors.New("not found")
	ErrScanNotQueued = errors.New("scan is not queued")
	ErrScanTerminal  = errors.New("scan already reached a terminal state")
)

// Site is a monitored website rooted at RootURL.
type Site struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"owner_id"`
	RootURL             string     `json:"root_url"`
	Tags                []string   `json:"tags"`
	Enabled             bool       `json:"enabled"`
	ScanPriority        int        `json:"scan_priority"`
	ScanIntervalMinutes int        `json:"scan_interval_minutes"`
	LastScanAt          *time.Time `json:"last_scan_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Sitemap is one sitemap file belonging to a site.
type Sitemap struct {
	ID              string     `json:"id"`
	SiteID          string     `json:"site_id"`
	URL             string     `json:"url"`
	IsIndex         bool       `json:"is_index"`
	LastStatus      int        `json:"last_status"`
	LastETag        string     `json:"last_etag,omitempty"`
	LastModified    string     `json:"last_modified,omitempty"`
	LastContentHash string     `json:"last_content_hash,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	RetiredAt       *time.Time `json:"retired_at,omitempty"`
}

// FetchState is the cache metadata written back to a Sitemap after every fetch attempt.
type FetchState struct {
	LastStatus      int
	LastETag        string
	LastModified    string
	LastContentHash string
	UpdatedAt       time.Time
}

// URLRecord is one <url> entry tracked per sitemap. (SitemapID, Loc) is unique.
type URLRecord struct {
	ID          string    `json:"id"`
	SiteID      string    `json:"site_id"`
	SitemapID   string    `json:"sitemap_id"`
	Loc         string    `json:"loc"`
	LastMod     string    `json:"lastmod,omitempty"`
	ChangeFreq  string    `json:"changefreq,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	Status      URLStatus `json:"status"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// ScanCounts aggregates the outcome of a scan.
type ScanCounts struct {
	TotalSitemaps int `json:"total_sitemaps"`
	TotalURLs     int `json:"total_urls"`
	Added         int `json:"added"`
	Removed       int `json:"removed"`
	Updated       int `json:"updated"`
}

// HasChanges reports whether any URL was added, removed or updated.
func (c ScanCounts) HasChanges() bool {
	return c.Added > 0 || c.Removed > 0 || c.Updated > 0
}

// Scan is one scan attempt for a site.
type Scan struct {
	ID         string     `json:"id"`
	SiteID     string     `json:"site_id"`
	Status     ScanStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Counts     ScanCounts `json:"counts"`
	Error      string     `json:"error,omitempty"`
}

// ScanOutcome is the single terminal update written when a scan finishes.
type ScanOutcome struct {
	Status     ScanStatus
	FinishedAt time.Time
	Counts     ScanCounts
	Error      string
}

// Change is an append-only audit record of one URL-level change.
type Change struct {
	ID          string     `json:"id"`
	SiteID      string     `json:"site_id"`
	ScanID      string     `json:"scan_id"`
	URLRecordID string     `json:"url_record_id,omitempty"`
	Type        ChangeType `json:"type"`
	Detail      string     `json:"detail"`
	OccurredAt  time.Time  `json:"occurred_at"`
	Source      string     `json:"source"`
}

// NotificationChannel is a configured delivery target for a site.
type NotificationChannel struct {
	ID     string      `json:"id"`
	SiteID string      `json:"site_id"`
	Type   ChannelType `json:"type"`
	Target string      `json:"target"`
	Secret string      `json:"-"`
}

// LegacyWebhook is the older webhook-only configuration row.
type LegacyWebhook struct {
	ID     string `json:"id"`
	SiteID string `json:"site_id"`
	URL    string `json:"url"`
	Secret string `json:"-"`
}

// DiscoveredSitemap is one sitemap location found during discovery.
type DiscoveredSitemap struct {
	URL     string `json:"url"`
	IsIndex bool   `json:"is_index"`
}

// SiteRef identifies a site returned by discover/rediscover.
type SiteRef struct {
	ID      string `json:"id"`
	RootURL string `json:"root_url"`
}
