package discovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/metrics"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

// Finder resolves a root URL to sitemap locations.
type Finder interface {
	Discover(ctx context.Context, rootURL string) ([]monitor.DiscoveredSitemap, error)
}

// Store is the persistence surface needed to register sites and sitemaps.
type Store interface {
	monitor.SiteStore
	monitor.SitemapStore
}

// SiteDefaults seeds settings for newly created sites.
type SiteDefaults struct {
	Priority        int
	IntervalMinutes int
}

// Service implements discover and rediscover on top of a Finder.
type Service struct {
	store    Store
	finder   Finder
	clock    monitor.Clock
	ids      monitor.IDGenerator
	defaults SiteDefaults
	logger   *zap.Logger
}

// NewService wires a Service.
func NewService(
	store Store,
	finder Finder,
	clock monitor.Clock,
	ids monitor.IDGenerator,
	defaults SiteDefaults,
	logger *zap.Logger,
) *Service {
	if defaults.Priority < monitor.MinScanPriority || defaults.Priority > monitor.MaxScanPriority {
		defaults.Priority = 3
	}
	if defaults.IntervalMinutes < monitor.MinScanIntervalMinutes {
		defaults.IntervalMinutes = 1440
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		finder:   finder,
		clock:    clock,
		ids:      ids,
		defaults: defaults,
		logger:   logger.Named("discovery_service"),
	}
}

// Discover registers rootURL for ownerID, creating the site if needed, and persists new sitemaps.
func (s *Service) Discover(ctx context.Context, rootURL, ownerID string, tags []string) (monitor.SiteRef, error) {
	root, err := NormalizeRoot(rootURL)
	if err != nil {
		return monitor.SiteRef{}, err
	}
	now := s.clock.Now()

	site, err := s.store.FindSiteByRoot(ctx, ownerID, root)
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		id, idErr := s.ids.NewID()
		if idErr != nil {
			return monitor.SiteRef{}, fmt.Errorf("generate site id: %w", idErr)
		}
		site = monitor.Site{
			ID:                  id,
			OwnerID:             ownerID,
			RootURL:             root,
			Tags:                tags,
			Enabled:             true,
			ScanPriority:        s.defaults.Priority,
			ScanIntervalMinutes: s.defaults.IntervalMinutes,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := s.store.CreateSite(ctx, site); err != nil {
			return monitor.SiteRef{}, fmt.Errorf("create site: %w", err)
		}
	case err != nil:
		return monitor.SiteRef{}, fmt.Errorf("find site: %w", err)
	default:
		if tags != nil {
			if err := s.store.UpdateSiteSettings(ctx, site.ID, root, tags, now); err != nil {
				return monitor.SiteRef{}, fmt.Errorf("update site: %w", err)
			}
		}
	}

	if _, err := s.sync(ctx, site.ID, root); err != nil {
		return monitor.SiteRef{}, err
	}
	return monitor.SiteRef{ID: site.ID, RootURL: root}, nil
}

// Rediscover re-runs discovery for an existing site. A site owned by someone else is reported as not found.
// Empty rootURL keeps the stored root; nil tags keep the stored tags. When the root changes, sitemaps
// not found under the new root are retired so scans stop reading them; their URL history is kept.
func (s *Service) Rediscover(
	ctx context.Context,
	siteID, ownerID, rootURL string,
	tags []string,
) (monitor.SiteRef, error) {
	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return monitor.SiteRef{}, fmt.Errorf("get site: %w", err)
	}
	if site.OwnerID != ownerID {
		return monitor.SiteRef{}, fmt.Errorf("get site %s: %w", siteID, monitor.ErrNotFound)
	}

	root := site.RootURL
	if rootURL != "" {
		if root, err = NormalizeRoot(rootURL); err != nil {
			return monitor.SiteRef{}, err
		}
	}
	if tags == nil {
		tags = site.Tags
	}
	if err := s.store.UpdateSiteSettings(ctx, site.ID, root, tags, s.clock.Now()); err != nil {
		return monitor.SiteRef{}, fmt.Errorf("update site: %w", err)
	}

	found, err := s.sync(ctx, site.ID, root)
	if err != nil {
		return monitor.SiteRef{}, err
	}
	if root != site.RootURL {
		retired, err := s.store.RetireSitemaps(ctx, site.ID, found, s.clock.Now())
		if err != nil {
			return monitor.SiteRef{}, fmt.Errorf("retire sitemaps: %w", err)
		}
		s.logger.Info("root url changed",
			zap.String("site_id", site.ID),
			zap.String("previous_root", site.RootURL),
			zap.String("root_url", root),
			zap.Int("retired", retired),
		)
	}
	return monitor.SiteRef{ID: site.ID, RootURL: root}, nil
}

// sync persists only sitemaps that are not yet known so existing cache headers survive.
// It returns every discovered URL.
func (s *Service) sync(ctx context.Context, siteID, root string) ([]string, error) {
	found, err := s.finder.Discover(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("discover sitemaps: %w", err)
	}

	urls := make([]string, 0, len(found))
	created := 0
	for _, item := range found {
		urls = append(urls, item.URL)
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate sitemap id: %w", err)
		}
		now := s.clock.Now()
		inserted, err := s.store.InsertSitemapIfAbsent(ctx, monitor.Sitemap{
			ID:        id,
			SiteID:    siteID,
			URL:       item.URL,
			IsIndex:   item.IsIndex,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("insert sitemap %s: %w", item.URL, err)
		}
		if inserted {
			created++
		}
	}
	metrics.ObserveDiscoveredSitemaps(created)
	s.logger.Info("discovery complete",
		zap.String("site_id", siteID),
		zap.String("root_url", root),
		zap.Int("found", len(found)),
		zap.Int("created", created),
	)
	return urls, nil
}
