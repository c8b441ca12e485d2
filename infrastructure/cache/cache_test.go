package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	c, err := New("redis://"+srv.Addr(), "relay:", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSeenRecentlyReportsFalseThenTrue(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	seen, err := c.SeenRecently(ctx, "tx-1")
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = c.SeenRecently(ctx, "tx-1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestSeenRecentlyTracksDistinctKeysIndependently(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	seen, err := c.SeenRecently(ctx, "tx-1")
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = c.SeenRecently(ctx, "tx-2")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestStoreAndLoadConfigSnapshotRoundTrips(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	type snapshot struct {
		Subscriptions int `json:"subscriptions"`
	}
	in := snapshot{Subscriptions: 3}
	require.NoError(t, c.StoreConfigSnapshot(ctx, in))

	var out snapshot
	ok, err := c.LoadConfigSnapshot(ctx, &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestLoadConfigSnapshotReportsMissWhenUnset(t *testing.T) {
	c := newTestCache(t)
	var out map[string]int
	ok, err := c.LoadConfigSnapshot(context.Background(), &out)
	require.NoError(t, err)
	require.False(t, ok)
}
