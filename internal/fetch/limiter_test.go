package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{})
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.com/sitemap.xml"))
	}
}

func TestLimiterPerHost(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{RPS: 1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://a.example.com/x"))
	// A different host has its own bucket.
	require.NoError(t, l.Wait(context.Background(), "https://b.example.com/x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://a.example.com/y"))
}
