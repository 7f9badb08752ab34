package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/fetch"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
)

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies: make(map[string]string),
		status: make(map[string]int),
		calls:  make(map[string]int),
	}
}

func (f *fakeFetcher) set(url, body string) {
	f.bodies[url] = body
}

func (f *fakeFetcher) Get(_ context.Context, req fetch.Request) (fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if code, ok := f.status[req.URL]; ok {
		return fetch.Response{URL: req.URL, StatusCode: code}, nil
	}
	body, ok := f.bodies[req.URL]
	if !ok {
		return fetch.Response{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	if body == "network-error" {
		return fetch.Response{}, errors.New("connection reset")
	}
	return fetch.Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func urlset(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, l := range locs {
		fmt.Fprintf(&b, "<url><loc>%s</loc></url>", l)
	}
	b.WriteString(`</urlset>`)
	return b.String()
}

func index(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, l := range locs {
		fmt.Fprintf(&b, "<sitemap><loc>%s</loc></sitemap>", l)
	}
	b.WriteString(`</sitemapindex>`)
	return b.String()
}

func urlsOf(found []monitor.DiscoveredSitemap) []string {
	out := make([]string, 0, len(found))
	for _, f := range found {
		out = append(out, f.URL)
	}
	return out
}

func TestDiscoverFromRobots(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.set("https://example.com/robots.txt", strings.Join([]string{
		"User-agent: *",
		"Disallow: /private",
		"sitemap: /sitemap-pages.xml",
		"Sitemap: https://cdn.example.com/news.xml",
		"Sitemap: ftp://example.com/ignored.xml",
	}, "\n"))
	f.set("https://example.com/sitemap-pages.xml", urlset("https://example.com/a"))
	f.set("https://cdn.example.com/news.xml", index("https://cdn.example.com/news-1.xml"))
	f.set("https://cdn.example.com/news-1.xml", urlset("https://example.com/n1"))

	d := NewDiscoverer(f, DefaultConfig(), zap.NewNop())
	found, err := d.Discover(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, []monitor.DiscoveredSitemap{
		{URL: "https://example.com/sitemap-pages.xml"},
		{URL: "https://cdn.example.com/news.xml", IsIndex: true},
		{URL: "https://cdn.example.com/news-1.xml"},
	}, found)
	require.Zero(t, f.callCount("https://example.com/sitemap.xml"), "fallbacks unused when robots lists sitemaps")
}

func TestDiscoverFallbacksWhenRobotsEmpty(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.set("https://example.com/robots.txt", "")
	f.set("https://example.com/sitemap.xml", urlset("https://example.com/a"))

	d := NewDiscoverer(f, Config{MaxDepth: 5, MaxSitemaps: 500}, zap.NewNop())
	found, err := d.Discover(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/sitemap.xml"}, urlsOf(found))
	require.Equal(t, 1, f.callCount("https://example.com/sitemap_index.xml"), "missing fallback is skipped")
}

func TestDiscoverRobotsUnderRootPath(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.set("https://example.com/robots.txt", "Sitemap: https://example.com/wrong.xml")
	f.set("https://example.com/blog/robots.txt", "Sitemap: https://example.com/blog/posts.xml")
	f.set("https://example.com/blog/posts.xml", urlset("https://example.com/blog/p1"))

	d := NewDiscoverer(f, DefaultConfig(), zap.NewNop())
	found, err := d.Discover(context.Background(), "https://example.com/blog")
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/blog/posts.xml"}, urlsOf(found))
	require.Zero(t, f.callCount("https://example.com/robots.txt"))
	require.Zero(t, f.callCount("https://example.com/wrong.xml"))
}

func TestDiscoverSkipsFailures(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.set("https://example.com/robots.txt", "network-error")
	f.set("https://example.com/sitemap.xml", "<not valid xml<<<")
	f.set("https://example.com/sitemap_index.xml", index("https://example.com/broken.xml", "https://example.com/ok.xml"))
	f.set("https://example.com/broken.xml", "network-error")
	f.set("https://example.com/ok.xml", urlset("https://example.com/a"))

	d := NewDiscoverer(f, Config{MaxDepth: 5, MaxSitemaps: 500}, zap.NewNop())
	found, err := d.Discover(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/sitemap_index.xml", "https://example.com/ok.xml"}, urlsOf(found))
}

func TestDiscoverTerminatesOnCycles(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.set("https://example.com/robots.txt", "Sitemap: https://example.com/a.xml")
	f.set("https://example.com/a.xml", index("https://example.com/a.xml", "https://example.com/b.xml"))
	f.set("https://example.com/b.xml", index("https://example.com/a.xml", "https://example.com/b.xml"))

	d := NewDiscoverer(f, DefaultConfig(), zap.NewNop())
	found, err := d.Discover(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/a.xml", "https://example.com/b.xml"}, urlsOf(found))
	require.Equal(t, 1, f.callCount("https://example.com/a.xml"))
	require.Equal(t, 1, f.callCount("https://example.com/b.xml"))
}

func TestDiscoverDepthBound(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.set("https://example.com/robots.txt", "Sitemap: https://example.com/level-0.xml")
	for i := 0; i < 10; i++ {
		f.set(fmt.Sprintf("https://example.com/level-%d.xml", i), index(fmt.Sprintf("https://example.com/level-%d.xml", i+1)))
	}

	d := NewDiscoverer(f, Config{MaxDepth: 5, MaxSitemaps: 500}, zap.NewNop())
	found, err := d.Discover(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Len(t, found, 6, "depths 0 through 5")
	require.Zero(t, f.callCount("https://example.com/level-6.xml"))
}

func TestDiscoverCap(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.set("https://example.com/robots.txt", "Sitemap: https://example.com/index.xml")
	children := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		child := fmt.Sprintf("https://example.com/part-%d.xml", i)
		children = append(children, child)
		f.set(child, urlset("https://example.com/p"))
	}
	children = append(children, "not a url", "/relative.xml")
	f.set("https://example.com/index.xml", index(children...))

	d := NewDiscoverer(f, Config{MaxDepth: 5, MaxSitemaps: 10}, zap.NewNop())
	found, err := d.Discover(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Len(t, found, 10)
	require.True(t, found[0].IsIndex)
}

func TestDiscoverHTMLLinkFallback(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.set("https://example.com", `<html><head><link rel="sitemap" type="application/xml" href="/maps/main.xml"></head></html>`)
	f.set("https://example.com/maps/main.xml", urlset("https://example.com/a"))

	d := NewDiscoverer(f, DefaultConfig(), zap.NewNop())
	found, err := d.Discover(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/maps/main.xml"}, urlsOf(found))
}

func TestDiscoverRejectsInvalidRoot(t *testing.T) {
	t.Parallel()

	d := NewDiscoverer(newFakeFetcher(), DefaultConfig(), zap.NewNop())
	for _, root := range []string{"", "example.com", "ftp://example.com", "mailto:me@example.com"} {
		_, err := d.Discover(context.Background(), root)
		require.ErrorIs(t, err, ErrInvalidRoot, root)
	}
}

func TestDiscoverWithHTTPClient(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "User-agent: *\nSitemap: %s/sitemap_index.xml\n", srv.URL)
	})
	mux.HandleFunc("/sitemap_index.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(index(srv.URL+"/posts.xml", srv.URL+"/sitemap_index.xml")))
	})
	mux.HandleFunc("/posts.xml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(urlset(srv.URL + "/hello")))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	client := fetch.New(fetch.Config{Timeout: 2 * time.Second, MaxAttempts: 1}, zap.NewNop())
	d := NewDiscoverer(client, DefaultConfig(), zap.NewNop())
	found, err := d.Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []monitor.DiscoveredSitemap{
		{URL: srv.URL + "/sitemap_index.xml", IsIndex: true},
		{URL: srv.URL + "/posts.xml"},
	}, found)
}

func TestNormalizeRoot(t *testing.T) {
	t.Parallel()

	got, err := NormalizeRoot(" https://Example.com/blog/?utm=x#top ")
	require.NoError(t, err)
	require.Equal(t, "https://Example.com/blog", got)

	_, err = NormalizeRoot("example.com")
	require.ErrorIs(t, err, ErrInvalidRoot)
}
