package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistryAddRemove(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	noop := func(context.Context) error { return nil }
	require.NoError(t, r.Add("reap-stale", "*/10 * * * *", noop))
	require.NoError(t, r.Add("cron-scan", "*/5 * * * *", noop))
	require.NoError(t, r.Add("cron-scan", "*/15 * * * *", noop))
	require.Equal(t, []string{"cron-scan", "reap-stale"}, r.Names())

	require.True(t, r.Remove("reap-stale"))
	require.False(t, r.Remove("reap-stale"))
	require.Equal(t, []string{"cron-scan"}, r.Names())

	require.Error(t, r.Add("bad", "not a spec", noop))
}

func TestRegistryRunsTasks(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	var runs atomic.Int64
	require.NoError(t, r.Add("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return errors.New("logged, not fatal")
	}))
	r.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))
}

func TestRegistryStopCancelsTaskContext(t *testing.T) {
	t.Parallel()

	r := NewRegistry(zap.NewNop())
	started := make(chan struct{})
	var once atomic.Bool
	require.NoError(t, r.Add("slow", "@every 1s", func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	r.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}
	require.NoError(t, r.Stop(context.Background()))
}
