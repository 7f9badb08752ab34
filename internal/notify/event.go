// Package notify fans scan outcomes out to a site's notification channels.
package notify

import (
	"time"

	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

// Event types carried in the envelope.
const (
	EventScanComplete  = "scan.complete"
	EventSitemapChange = "sitemap.change"
)

// Event is the JSON envelope delivered to every channel.
type Event struct {
	Type          string  `json:"type"`
	SiteID        string  `json:"siteId"`
	ScanID        string  `json:"scanId"`
	Status        *string `json:"status,omitempty"`
	TotalSitemaps *int    `json:"totalSitemaps,omitempty"`
	TotalURLs     *int    `json:"totalUrls,omitempty"`
	Added         int     `json:"added"`
	Removed       int     `json:"removed"`
	Updated       *int    `json:"updated,omitempty"`
	Error         *string `json:"error,omitempty"`
	// DurationMs is the scan wall time in milliseconds.
	DurationMs *int64 `json:"duration,omitempty"`
	Timestamp  string `json:"ts"`
}

// ScanComplete builds the envelope sent after every terminal scan.
func ScanComplete(scan monitor.Scan, at time.Time) Event {
	status := string(scan.Status)
	counts := scan.Counts
	ev := Event{
		Type:          EventScanComplete,
		SiteID:        scan.SiteID,
		ScanID:        scan.ID,
		Status:        &status,
		TotalSitemaps: &counts.TotalSitemaps,
		TotalURLs:     &counts.TotalURLs,
		Added:         counts.Added,
		Removed:       counts.Removed,
		Updated:       &counts.Updated,
		Timestamp:     at.UTC().Format(time.RFC3339),
	}
	if scan.Error != "" {
		msg := scan.Error
		ev.Error = &msg
	}
	if scan.StartedAt != nil && scan.FinishedAt != nil {
		ms := scan.FinishedAt.Sub(*scan.StartedAt).Milliseconds()
		ev.DurationMs = &ms
	}
	return ev
}

// ChangeSummary builds the legacy envelope sent when a successful scan changed URLs.
func ChangeSummary(siteID, scanID string, counts monitor.ScanCounts, at time.Time) Event {
	updated := counts.Updated
	return Event{
		Type:      EventSitemapChange,
		SiteID:    siteID,
		ScanID:    scanID,
		Added:     counts.Added,
		Removed:   counts.Removed,
		Updated:   &updated,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}
