package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/diff"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
	"github.com/JakeFAU/sitemapwatch/internal/notify"
	"github.com/JakeFAU/sitemapwatch/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type reconcileOutcome struct {
	result diff.Result
	err    error
	panic  any
}

type fakeReconciler struct {
	mu       sync.Mutex
	outcomes map[string]reconcileOutcome
	calls    []string
}

func (f *fakeReconciler) Reconcile(_ context.Context, _ string, sm monitor.Sitemap) (diff.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sm.ID)
	out := f.outcomes[sm.ID]
	f.mu.Unlock()
	if out.panic != nil {
		panic(out.panic)
	}
	return out.result, out.err
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Dispatch(ctx context.Context, siteID string, ev notify.Event) {
	m.Called(ctx, siteID, ev)
}

func eventOfType(eventType string) any {
	return mock.MatchedBy(func(ev notify.Event) bool { return ev.Type == eventType })
}

// failingFinishStore rejects the first n FinishScan calls.
type failingFinishStore struct {
	*memory.Store
	mu        sync.Mutex
	remaining int
	messages  []string
}

func (s *failingFinishStore) FinishScan(ctx context.Context, scanID string, outcome monitor.ScanOutcome) error {
	s.mu.Lock()
	s.messages = append(s.messages, outcome.Error)
	fail := s.remaining > 0
	if fail {
		s.remaining--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.Store.FinishScan(ctx, scanID, outcome)
}

type brokenSitemapStore struct {
	*memory.Store
}

func (brokenSitemapStore) ListSitemaps(context.Context, string) ([]monitor.Sitemap, error) {
	return nil, errors.New("db down")
}

func seedScan(t *testing.T, store *memory.Store, sitemapIDs ...string) monitor.Scan {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateSite(ctx, monitor.Site{ID: "site-1", RootURL: "https://example.com", Enabled: true}))
	for _, id := range sitemapIDs {
		_, err := store.InsertSitemapIfAbsent(ctx, monitor.Sitemap{ID: id, SiteID: "site-1", URL: "https://example.com/" + id + ".xml"})
		require.NoError(t, err)
	}
	scan, created, err := store.CreateScanIfIdle(ctx, monitor.Scan{ID: "scan-1", SiteID: "site-1", Status: monitor.ScanQueued, CreatedAt: base})
	require.NoError(t, err)
	require.True(t, created)
	return scan
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestExecuteSuccessNotifiesTwice(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedScan(t, store, "sm-a", "sm-b")
	rec := &fakeReconciler{outcomes: map[string]reconcileOutcome{
		"sm-a": {result: diff.Result{Added: 1, Updated: 1, Total: 10}},
		"sm-b": {result: diff.Result{Removed: 2, Total: 5}},
	}}
	n := &mockNotifier{}
	n.On("Dispatch", mock.Anything, "site-1", eventOfType(notify.EventScanComplete)).Once()
	n.On("Dispatch", mock.Anything, "site-1", eventOfType(notify.EventSitemapChange)).Once()

	runner := NewRunner(store, rec, n, newClock(), Config{}, zap.NewNop())
	scan, err := runner.Execute(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, monitor.ScanSuccess, scan.Status)
	require.Equal(t, monitor.ScanCounts{TotalSitemaps: 2, TotalURLs: 15, Added: 1, Removed: 2, Updated: 1}, scan.Counts)
	n.AssertExpectations(t)

	stored, err := store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, monitor.ScanSuccess, stored.Status)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.FinishedAt)

	site, err := store.GetSite(context.Background(), "site-1")
	require.NoError(t, err)
	require.NotNil(t, site.LastScanAt)
}

func TestExecuteWithoutChangesSkipsSummary(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedScan(t, store, "sm-a")
	rec := &fakeReconciler{outcomes: map[string]reconcileOutcome{"sm-a": {result: diff.Result{Total: 3}}}}
	n := &mockNotifier{}
	n.On("Dispatch", mock.Anything, "site-1", eventOfType(notify.EventScanComplete)).Once()

	runner := NewRunner(store, rec, n, newClock(), Config{}, zap.NewNop())
	scan, err := runner.Execute(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, monitor.ScanSuccess, scan.Status)
	n.AssertExpectations(t)
	n.AssertNotCalled(t, "Dispatch", mock.Anything, "site-1", eventOfType(notify.EventSitemapChange))
}

func TestExecutePartialFailureContinues(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedScan(t, store, "sm-a", "sm-b", "sm-c")
	rec := &fakeReconciler{outcomes: map[string]reconcileOutcome{
		"sm-a": {err: diff.ErrFetch},
		"sm-b": {result: diff.Result{Added: 4, Total: 4}},
		"sm-c": {err: diff.ErrParse},
	}}
	n := &mockNotifier{}
	n.On("Dispatch", mock.Anything, "site-1", eventOfType(notify.EventScanComplete)).Once()

	runner := NewRunner(store, rec, n, newClock(), Config{}, zap.NewNop())
	scan, err := runner.Execute(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Len(t, rec.calls, 3)
	require.Equal(t, monitor.ScanFailed, scan.Status)
	require.Equal(t, 4, scan.Counts.Added)
	require.Contains(t, scan.Error, "sm-a.xml")
	require.Contains(t, scan.Error, "sm-c.xml")
	require.Contains(t, scan.Error, "; ")
	n.AssertExpectations(t)
}

func TestExecuteEveryFetchFailsTerminatesFailed(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedScan(t, store, "sm-a", "sm-b")
	rec := &fakeReconciler{outcomes: map[string]reconcileOutcome{
		"sm-a": {err: diff.ErrFetch},
		"sm-b": {err: diff.ErrFetch},
	}}
	runner := NewRunner(store, rec, nil, newClock(), Config{}, zap.NewNop())
	_, err := runner.Execute(context.Background(), "scan-1")
	require.NoError(t, err)

	stored, err := store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, monitor.ScanFailed, stored.Status)
	require.NotEmpty(t, stored.Error)
}

func TestExecutePanicIsRecoveredAndFailed(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedScan(t, store, "sm-a")
	rec := &fakeReconciler{outcomes: map[string]reconcileOutcome{"sm-a": {panic: "boom"}}}
	n := &mockNotifier{}
	n.On("Dispatch", mock.Anything, "site-1", eventOfType(notify.EventScanComplete)).Once()

	runner := NewRunner(store, rec, n, newClock(), Config{}, zap.NewNop())
	scan, err := runner.Execute(context.Background(), "scan-1")
	require.ErrorIs(t, err, ErrPanicked)
	require.Equal(t, monitor.ScanFailed, scan.Status)
	require.Contains(t, scan.Error, "boom")
	n.AssertExpectations(t)

	site, err := store.GetSite(context.Background(), "site-1")
	require.NoError(t, err)
	require.NotNil(t, site.LastScanAt)
}

func TestExecuteFatalErrorForcesFailure(t *testing.T) {
	t.Parallel()

	mem := memory.NewStore()
	seedScan(t, mem, "sm-a")
	runner := NewRunner(brokenSitemapStore{mem}, &fakeReconciler{}, nil, newClock(), Config{}, zap.NewNop())
	_, err := runner.Execute(context.Background(), "scan-1")
	require.ErrorContains(t, err, "list sitemaps")

	stored, err := mem.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, monitor.ScanFailed, stored.Status)
	require.Contains(t, stored.Error, "db down")
}

func TestExecuteSafetyNetForcesTerminalState(t *testing.T) {
	t.Parallel()

	mem := memory.NewStore()
	seedScan(t, mem, "sm-a")
	store := &failingFinishStore{Store: mem, remaining: 2}
	rec := &fakeReconciler{outcomes: map[string]reconcileOutcome{"sm-a": {result: diff.Result{Total: 1}}}}

	runner := NewRunner(store, rec, nil, newClock(), Config{}, zap.NewNop())
	scan, err := runner.Execute(context.Background(), "scan-1")
	require.Error(t, err)
	require.Equal(t, monitor.ScanFailed, scan.Status)
	require.Len(t, store.messages, 3)
	require.Equal(t, SafetyNetMessage, store.messages[2])

	stored, err := mem.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, monitor.ScanFailed, stored.Status)
	require.Equal(t, SafetyNetMessage, stored.Error)
}

func TestExecuteCanceledContextStillTerminates(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedScan(t, store, "sm-a")
	ctx, cancel := context.WithCancel(context.Background())
	rec := &fakeReconciler{outcomes: map[string]reconcileOutcome{"sm-a": {err: context.Canceled}}}
	cancel()

	runner := NewRunner(store, rec, nil, newClock(), Config{}, zap.NewNop())
	_, err := runner.Execute(ctx, "scan-1")
	require.NoError(t, err)

	stored, err := store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, monitor.ScanFailed, stored.Status)
}

func TestExecuteAlreadyRunningIsLeftAlone(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedScan(t, store, "sm-a")
	require.NoError(t, store.MarkScanRunning(context.Background(), "scan-1", time.Now()))

	runner := NewRunner(store, &fakeReconciler{}, nil, newClock(), Config{}, zap.NewNop())
	_, err := runner.Execute(context.Background(), "scan-1")
	require.ErrorIs(t, err, monitor.ErrScanNotQueued)

	stored, err := store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, monitor.ScanRunning, stored.Status, "another worker owns the scan")
}

func TestExecuteUnknownScan(t *testing.T) {
	t.Parallel()

	runner := NewRunner(memory.NewStore(), &fakeReconciler{}, nil, newClock(), Config{}, zap.NewNop())
	_, err := runner.Execute(context.Background(), "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)
}
