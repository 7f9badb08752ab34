package diff

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/fetch"
	hasher "github.com/JakeFAU/sitemapwatch/internal/hash/sha256"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
	"github.com/JakeFAU/sitemapwatch/internal/storage/memory"
)

type scriptedFetcher struct {
	mu        sync.Mutex
	responses []fetch.Response
	errs      []error
	requests  []fetch.Request
}

func (f *scriptedFetcher) push(resp fetch.Response, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	f.errs = append(f.errs, err)
}

func (f *scriptedFetcher) pushBody(body string) {
	f.push(fetch.Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil)
}

func (f *scriptedFetcher) Get(_ context.Context, req fetch.Request) (fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return fetch.Response{}, errors.New("no scripted response")
	}
	resp, err := f.responses[0], f.errs[0]
	f.responses, f.errs = f.responses[1:], f.errs[1:]
	return resp, err
}

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

type fixture struct {
	store   *memory.Store
	fetcher *scriptedFetcher
	blobs   *memory.BlobStore
	engine  *Engine
	sitemap monitor.Sitemap
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	sm := monitor.Sitemap{ID: "map-1", SiteID: "site-1", URL: "https://example.com/sitemap.xml"}
	_, err := store.InsertSitemapIfAbsent(context.Background(), sm)
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		fetcher: &scriptedFetcher{},
		blobs:   memory.NewBlobStore(),
		sitemap: sm,
	}
	f.engine = NewEngine(store, f.fetcher, f.blobs, hasher.New(),
		&tickingClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		&seqIDs{}, Config{SnapshotPrefix: "snapshots"}, zap.NewNop())
	return f
}

// current re-reads the sitemap row so cache headers from the last fetch are used.
func (f *fixture) current(t *testing.T) monitor.Sitemap {
	t.Helper()
	sm, err := f.store.GetSitemap(context.Background(), f.sitemap.ID)
	require.NoError(t, err)
	return sm
}

func (f *fixture) records(t *testing.T) map[string]monitor.URLRecord {
	t.Helper()
	recs, err := f.store.ListURLRecords(context.Background(), f.sitemap.ID)
	require.NoError(t, err)
	out := make(map[string]monitor.URLRecord, len(recs))
	for _, r := range recs {
		out[r.Loc] = r
	}
	return out
}

func changeTypes(t *testing.T, store *memory.Store, scanID string) map[string]monitor.ChangeType {
	t.Helper()
	changes, err := store.ListChangesByScan(context.Background(), scanID)
	require.NoError(t, err)
	out := make(map[string]monitor.ChangeType, len(changes))
	for _, c := range changes {
		require.Equal(t, monitor.ChangeSourceScan, c.Source)
		require.Equal(t, "site-1", c.SiteID)
		out[strings.Fields(c.Detail)[0]] = c.Type
	}
	return out
}

const (
	firstBody = `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>/a</loc></url>
  <url><loc>/b</loc></url>
</urlset>`
	secondBody = `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>/a</loc><lastmod>2024-02-01</lastmod></url>
  <url><loc>/c</loc></url>
</urlset>`
)

func TestReconcileAddedUpdatedRemoved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	f.fetcher.pushBody(firstBody)
	res, err := f.engine.Reconcile(ctx, "scan-1", f.current(t))
	require.NoError(t, err)
	require.Equal(t, Result{Added: 2, Total: 2}, res)

	f.fetcher.pushBody(secondBody)
	res, err = f.engine.Reconcile(ctx, "scan-2", f.current(t))
	require.NoError(t, err)
	require.Equal(t, Result{Added: 1, Removed: 1, Updated: 1, Total: 2}, res)

	require.Equal(t, map[string]monitor.ChangeType{
		"/a": monitor.ChangeUpdated,
		"/b": monitor.ChangeRemoved,
		"/c": monitor.ChangeAdded,
	}, changeTypes(t, f.store, "scan-2"))

	changes, err := f.store.ListChangesByScan(ctx, "scan-2")
	require.NoError(t, err)
	for _, c := range changes {
		if c.Type == monitor.ChangeUpdated {
			require.Equal(t, "/a lastmod: (none) → 2024-02-01", c.Detail)
		}
	}

	recs := f.records(t)
	require.Len(t, recs, 3, "removed urls are never deleted")
	require.Equal(t, monitor.URLInactive, recs["/b"].Status)
	require.Equal(t, monitor.URLActive, recs["/a"].Status)
	require.Equal(t, "2024-02-01", recs["/a"].LastMod)
	require.True(t, recs["/b"].LastSeenAt.After(recs["/b"].FirstSeenAt))
}

func TestReconcileUnchangedIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	f.fetcher.pushBody(firstBody)
	_, err := f.engine.Reconcile(ctx, "scan-1", f.current(t))
	require.NoError(t, err)
	before := f.records(t)

	f.fetcher.pushBody(firstBody)
	res, err := f.engine.Reconcile(ctx, "scan-2", f.current(t))
	require.NoError(t, err)
	require.Equal(t, Result{Total: 2}, res)
	require.Empty(t, changeTypes(t, f.store, "scan-2"))

	after := f.records(t)
	for loc, rec := range after {
		require.Equal(t, monitor.URLActive, rec.Status)
		require.True(t, rec.LastSeenAt.After(before[loc].LastSeenAt), "lastSeenAt refreshed for %s", loc)
		require.Equal(t, before[loc].FirstSeenAt, rec.FirstSeenAt)
	}
	require.Equal(t, 1, f.blobs.Len(), "identical body is archived once")
}

func TestReconcileNotModified(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	f.fetcher.push(fetch.Response{
		StatusCode:   http.StatusOK,
		Body:         []byte(firstBody),
		ETag:         `"v1"`,
		LastModified: "Mon, 01 Jan 2024 00:00:00 GMT",
	}, nil)
	_, err := f.engine.Reconcile(ctx, "scan-1", f.current(t))
	require.NoError(t, err)

	f.fetcher.push(fetch.Response{StatusCode: http.StatusNotModified}, nil)
	res, err := f.engine.Reconcile(ctx, "scan-2", f.current(t))
	require.NoError(t, err)
	require.Equal(t, 0, res.Added)
	require.Equal(t, 0, res.Removed)
	require.Equal(t, 0, res.Updated)
	require.Equal(t, 2, res.Total)

	last := f.fetcher.requests[len(f.fetcher.requests)-1]
	require.Equal(t, `"v1"`, last.ETag)
	require.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", last.LastModified)

	sm := f.current(t)
	require.Equal(t, http.StatusNotModified, sm.LastStatus)
	require.Equal(t, `"v1"`, sm.LastETag)
	require.Empty(t, changeTypes(t, f.store, "scan-2"))
}

func TestReconcileHTTPErrorRecordsStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.push(fetch.Response{StatusCode: http.StatusServiceUnavailable}, nil)

	_, err := f.engine.Reconcile(context.Background(), "scan-1", f.current(t))
	require.ErrorIs(t, err, ErrFetch)
	require.Equal(t, http.StatusServiceUnavailable, f.current(t).LastStatus)
}

func TestReconcileNetworkErrorRecordsZeroStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.store.UpdateSitemapFetchState(context.Background(), f.sitemap.ID, monitor.FetchState{
		LastStatus: http.StatusOK,
		LastETag:   `"keep"`,
	}))
	f.fetcher.push(fetch.Response{}, errors.New("dial tcp: connection refused"))

	_, err := f.engine.Reconcile(context.Background(), "scan-1", f.current(t))
	require.ErrorIs(t, err, ErrFetch)
	sm := f.current(t)
	require.Zero(t, sm.LastStatus)
	require.Equal(t, `"keep"`, sm.LastETag)
}

func TestReconcileMalformedRecordsMetadata(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.pushBody("<urlset><url><loc>/a</loc>")

	_, err := f.engine.Reconcile(context.Background(), "scan-1", f.current(t))
	require.ErrorIs(t, err, ErrParse)
	sm := f.current(t)
	require.Equal(t, http.StatusOK, sm.LastStatus)
	require.NotEmpty(t, sm.LastContentHash)
	require.Empty(t, f.records(t))
}

func TestReconcileReappearingURLIsReactivatedWithoutChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	f.fetcher.pushBody(firstBody)
	_, err := f.engine.Reconcile(ctx, "scan-1", f.current(t))
	require.NoError(t, err)

	f.fetcher.pushBody(`<urlset><url><loc>/a</loc></url></urlset>`)
	_, err = f.engine.Reconcile(ctx, "scan-2", f.current(t))
	require.NoError(t, err)
	require.Equal(t, monitor.URLInactive, f.records(t)["/b"].Status)

	f.fetcher.pushBody(firstBody)
	res, err := f.engine.Reconcile(ctx, "scan-3", f.current(t))
	require.NoError(t, err)
	require.Equal(t, Result{Total: 2}, res)
	require.Empty(t, changeTypes(t, f.store, "scan-3"))
	require.Equal(t, monitor.URLActive, f.records(t)["/b"].Status)
	require.Len(t, f.records(t), 2)

	f.fetcher.pushBody(`<urlset><url><loc>/a</loc></url></urlset>`)
	_, err = f.engine.Reconcile(ctx, "scan-4", f.current(t))
	require.NoError(t, err)

	f.fetcher.pushBody(`<urlset>
  <url><loc>/a</loc></url>
  <url><loc>/b</loc><lastmod>2024-03-01</lastmod></url>
</urlset>`)
	res, err = f.engine.Reconcile(ctx, "scan-5", f.current(t))
	require.NoError(t, err)
	require.Equal(t, Result{Updated: 1, Total: 2}, res)
	require.Equal(t, map[string]monitor.ChangeType{"/b": monitor.ChangeUpdated}, changeTypes(t, f.store, "scan-5"))
	require.Equal(t, monitor.URLActive, f.records(t)["/b"].Status)
}

func TestReconcileRepeatedLocLastWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.pushBody(`<urlset>
  <url><loc>/a</loc><priority>0.1</priority></url>
  <url><loc>/a</loc><priority>0.9</priority></url>
</urlset>`)

	res, err := f.engine.Reconcile(context.Background(), "scan-1", f.current(t))
	require.NoError(t, err)
	require.Equal(t, Result{Added: 1, Total: 1}, res)
	require.Equal(t, "0.9", f.records(t)["/a"].Priority)
}

func TestReconcileIndexYieldsNoChanges(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.pushBody(`<sitemapindex><sitemap><loc>https://example.com/a.xml</loc></sitemap></sitemapindex>`)

	res, err := f.engine.Reconcile(context.Background(), "scan-1", f.current(t))
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
	require.Equal(t, http.StatusOK, f.current(t).LastStatus)
}

func TestReconcileArchivesChangedBodies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	f.fetcher.pushBody(firstBody)
	_, err := f.engine.Reconcile(ctx, "scan-1", f.current(t))
	require.NoError(t, err)
	hash := f.current(t).LastContentHash
	_, ok := f.blobs.Object("snapshots/site-1/map-1/" + hash + ".xml")
	require.True(t, ok)

	f.fetcher.pushBody(secondBody)
	_, err = f.engine.Reconcile(ctx, "scan-2", f.current(t))
	require.NoError(t, err)
	require.Equal(t, 2, f.blobs.Len())
}

func TestReconcileArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	sm := monitor.Sitemap{ID: "map-1", SiteID: "site-1", URL: "https://example.com/sitemap.xml"}
	_, err := store.InsertSitemapIfAbsent(context.Background(), sm)
	require.NoError(t, err)
	fetcher := &scriptedFetcher{}
	fetcher.pushBody(firstBody)
	engine := NewEngine(store, fetcher, failingBlobs{}, hasher.New(),
		&tickingClock{now: time.Now().UTC()}, &seqIDs{}, Config{}, zap.NewNop())

	res, err := engine.Reconcile(context.Background(), "scan-1", sm)
	require.NoError(t, err)
	require.Equal(t, 2, res.Added)
}
