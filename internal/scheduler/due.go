package scheduler

import (
	"sort"
	"time"

	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

// SelectDue returns the sites whose interval has elapsed, highest priority
// first and, within a priority, the longest-waiting first. limit <= 0 means no cap.
func SelectDue(sites []monitor.Site, now time.Time, minIntervalMinutes, limit int) []monitor.Site {
	if minIntervalMinutes < monitor.MinScanIntervalMinutes {
		minIntervalMinutes = monitor.MinScanIntervalMinutes
	}
	due := make([]monitor.Site, 0, len(sites))
	for _, site := range sites {
		if !site.Enabled {
			continue
		}
		interval := time.Duration(max(site.ScanIntervalMinutes, minIntervalMinutes)) * time.Minute
		if site.LastScanAt == nil || now.Sub(*site.LastScanAt) >= interval {
			due = append(due, site)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.ScanPriority != b.ScanPriority {
			return a.ScanPriority > b.ScanPriority
		}
		switch {
		case a.LastScanAt == nil && b.LastScanAt == nil:
			return a.ID < b.ID
		case a.LastScanAt == nil:
			return true
		case b.LastScanAt == nil:
			return false
		case !a.LastScanAt.Equal(*b.LastScanAt):
			return a.LastScanAt.Before(*b.LastScanAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}
