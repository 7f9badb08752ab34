// Package monitor defines the sitemap monitoring data model and the persistence
// and collaborator interfaces shared by discovery, diffing, scanning and notification.
package monitor
