// Package discovery resolves a site's root URL to its sitemap files and persists them.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/fetch"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
	"github.com/JakeFAU/sitemapwatch/internal/sitemap"
)

// ErrInvalidRoot is returned for root URLs that are not absolute http(s) URLs.
var ErrInvalidRoot = errors.New("root url must be an absolute http or https url")

// Fetcher performs a single GET.
type Fetcher interface {
	Get(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// Config bounds traversal and fetch budgets.
type Config struct {
	MaxDepth         int
	MaxSitemaps      int
	RobotsTimeout    time.Duration
	SitemapTimeout   time.Duration
	HTMLLinkFallback bool
}

// DefaultConfig mirrors the production bounds.
func DefaultConfig() Config {
	return Config{
		MaxDepth:         5,
		MaxSitemaps:      500,
		RobotsTimeout:    8 * time.Second,
		SitemapTimeout:   30 * time.Second,
		HTMLLinkFallback: true,
	}
}

// Discoverer walks robots.txt, well-known paths and sitemap indexes breadth-first.
type Discoverer struct {
	fetcher Fetcher
	cfg     Config
	logger  *zap.Logger
}

// NewDiscoverer wires a Discoverer.
func NewDiscoverer(fetcher Fetcher, cfg Config, logger *zap.Logger) *Discoverer {
	if cfg.MaxSitemaps <= 0 {
		cfg.MaxSitemaps = DefaultConfig().MaxSitemaps
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.Named("discovery"),
	}
}

type candidate struct {
	url   string
	depth int
}

// Discover returns every sitemap reachable from rootURL, each exactly once.
// Candidates that fail to fetch or parse are logged and skipped.
func (d *Discoverer) Discover(ctx context.Context, rootURL string) ([]monitor.DiscoveredSitemap, error) {
	root, err := parseRoot(rootURL)
	if err != nil {
		return nil, err
	}
	logger := d.logger.With(zap.String("root_url", rootURL))

	seeds := d.seeds(ctx, root, logger)
	queue := make([]candidate, 0, len(seeds))
	for _, s := range seeds {
		queue = append(queue, candidate{url: s})
	}

	visited := make(map[string]struct{})
	found := make([]monitor.DiscoveredSitemap, 0, len(seeds))
	for len(queue) > 0 && len(found) < d.cfg.MaxSitemaps {
		if err := ctx.Err(); err != nil {
			return found, fmt.Errorf("discover sitemaps: %w", err)
		}
		next := queue[0]
		queue = queue[1:]
		if _, seen := visited[next.url]; seen {
			continue
		}
		visited[next.url] = struct{}{}

		doc, ok := d.load(ctx, next.url, logger)
		if !ok {
			continue
		}
		found = append(found, monitor.DiscoveredSitemap{URL: next.url, IsIndex: doc.IsIndex()})

		if !doc.IsIndex() || next.depth >= d.cfg.MaxDepth {
			continue
		}
		for _, child := range doc.Sitemaps {
			if len(found) >= d.cfg.MaxSitemaps {
				break
			}
			if !isHTTPURL(child) {
				logger.Debug("skipping non-http sitemap child", zap.String("url", child))
				continue
			}
			if _, seen := visited[child]; seen {
				continue
			}
			queue = append(queue, candidate{url: child, depth: next.depth + 1})
		}
	}
	return found, nil
}

func (d *Discoverer) load(ctx context.Context, rawURL string, logger *zap.Logger) (sitemap.Document, bool) {
	resp, err := d.fetcher.Get(ctx, fetch.Request{URL: rawURL, Timeout: d.cfg.SitemapTimeout})
	if err == nil {
		err = fetch.CheckStatus(resp)
	}
	if err != nil {
		logger.Warn("sitemap candidate fetch failed; skipping", zap.String("url", rawURL), zap.Error(err))
		return sitemap.Document{}, false
	}
	doc, err := sitemap.Parse(resp.Body)
	if err != nil {
		logger.Warn("sitemap candidate parse failed; skipping", zap.String("url", rawURL), zap.Error(err))
		return sitemap.Document{}, false
	}
	return doc, true
}

// seeds returns robots.txt Sitemap directives, or the well-known fallbacks when there are none.
func (d *Discoverer) seeds(ctx context.Context, root *url.URL, logger *zap.Logger) []string {
	if fromRobots := d.robotsSitemaps(ctx, root, logger); len(fromRobots) > 0 {
		return fromRobots
	}
	base := strings.TrimSuffix(root.String(), "/")
	out := []string{base + "/sitemap.xml", base + "/sitemap_index.xml"}
	if d.cfg.HTMLLinkFallback {
		out = appendUnique(out, d.htmlLinkSitemaps(ctx, root, logger)...)
	}
	return out
}

func (d *Discoverer) robotsSitemaps(ctx context.Context, root *url.URL, logger *zap.Logger) []string {
	robotsURL := strings.TrimSuffix(root.String(), "/") + "/robots.txt"
	resp, err := d.fetcher.Get(ctx, fetch.Request{URL: robotsURL, Timeout: d.cfg.RobotsTimeout})
	if err == nil {
		err = fetch.CheckStatus(resp)
	}
	if err != nil {
		logger.Warn("robots.txt fetch failed; using fallbacks", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	data, err := robotstxt.FromBytes(resp.Body)
	if err != nil {
		logger.Warn("robots.txt parse failed; using fallbacks", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	var out []string
	for _, raw := range data.Sitemaps {
		resolved, ok := resolve(root, raw)
		if !ok {
			logger.Debug("ignoring robots sitemap directive", zap.String("value", raw))
			continue
		}
		out = appendUnique(out, resolved)
	}
	return out
}

func (d *Discoverer) htmlLinkSitemaps(ctx context.Context, root *url.URL, logger *zap.Logger) []string {
	resp, err := d.fetcher.Get(ctx, fetch.Request{URL: root.String(), Timeout: d.cfg.RobotsTimeout})
	if err == nil {
		err = fetch.CheckStatus(resp)
	}
	if err != nil {
		logger.Debug("homepage fetch failed; no link fallback", zap.Error(err))
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		logger.Debug("homepage parse failed; no link fallback", zap.Error(err))
		return nil
	}
	var out []string
	doc.Find(`link[rel="sitemap"]`).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		if resolved, ok := resolve(root, href); ok {
			out = appendUnique(out, resolved)
		}
	})
	return out
}

func resolve(root *url.URL, raw string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	abs := root.ResolveReference(ref)
	if !isHTTPURL(abs.String()) {
		return "", false
	}
	return abs.String(), true
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func parseRoot(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoot, raw)
	}
	return u, nil
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		dup := false
		for _, existing := range dst {
			if existing == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

// NormalizeRoot validates a root URL and strips its query, fragment and trailing slash.
func NormalizeRoot(raw string) (string, error) {
	u, err := parseRoot(raw)
	if err != nil {
		return "", err
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}
