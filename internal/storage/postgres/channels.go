package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

// ListNotificationChannels returns the site's configured channels.
func (s *Store) ListNotificationChannels(ctx context.Context, siteID string) ([]monitor.NotificationChannel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, site_id, type, target, secret FROM notification_channels WHERE site_id = $1 ORDER BY id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list notification channels: %w", err)
	}
	defer rows.Close()

	var out []monitor.NotificationChannel
	for rows.Next() {
		var (
			c    monitor.NotificationChannel
			kind string
		)
		if err := rows.Scan(&c.ID, &c.SiteID, &kind, &c.Target, &c.Secret); err != nil {
			return nil, fmt.Errorf("scan notification channel row: %w", err)
		}
		c.Type = monitor.ChannelType(kind)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification channels: %w", err)
	}
	return out, nil
}

// ListLegacyWebhooks returns the site's webhook-only rows.
func (s *Store) ListLegacyWebhooks(ctx context.Context, siteID string) ([]monitor.LegacyWebhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, site_id, url, secret FROM webhooks WHERE site_id = $1 ORDER BY id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list legacy webhooks: %w", err)
	}
	defer rows.Close()

	var out []monitor.LegacyWebhook
	for rows.Next() {
		var h monitor.LegacyWebhook
		if err := rows.Scan(&h.ID, &h.SiteID, &h.URL, &h.Secret); err != nil {
			return nil, fmt.Errorf("scan webhook row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return out, nil
}
