package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type nodeID string

type node struct {
	ID   nodeID
	Name string
}

func newNodeCache() *InMemoryCacheManager[nodeID, node] {
	return NewInMemoryCacheManager[nodeID, node]("nodes", DefaultExpiration, DefaultCleanupInterval)
}

func TestInMemoryCacheManager_GetExistingValue(t *testing.T) {
	cache := newNodeCache()
	n := node{ID: "n1", Name: "filesystem"}
	cache.Set(context.Background(), n.ID, n, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "n1")
	require.True(t, ok)
	require.Equal(t, n, got)
}

func TestInMemoryCacheManager_GetMissing(t *testing.T) {
	cache := newNodeCache()

	got, ok := cache.Get(context.Background(), "n1")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_GetWithInvalidValueType(t *testing.T) {
	cache := newNodeCache()
	cache.cache.Set("n1", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "n1")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_GetMultiple(t *testing.T) {
	cache := newNodeCache()
	ctx := context.Background()

	got, ok := cache.GetMultiple(ctx, nil)
	require.False(t, ok)
	require.Nil(t, got)

	got, ok = cache.GetMultiple(ctx, []nodeID{"a", "b"})
	require.False(t, ok)
	require.Nil(t, got)

	cache.Set(ctx, "a", node{ID: "a"}, DefaultExpiration)
	cache.cache.Set("b", "not a node", DefaultExpiration)

	got, ok = cache.GetMultiple(ctx, []nodeID{"a", "b", "c"})
	require.True(t, ok)
	require.Equal(t, map[nodeID]node{"a": {ID: "a"}}, got)
}

func TestInMemoryCacheManager_GetWithRefresh(t *testing.T) {
	cache := newNodeCache()
	ctx := context.Background()

	_, ok := cache.GetWithRefresh(ctx, "a", time.Hour)
	require.False(t, ok)

	cache.Set(ctx, "a", node{ID: "a"}, 50*time.Millisecond)
	got, ok := cache.GetWithRefresh(ctx, "a", time.Hour)
	require.True(t, ok)
	require.Equal(t, nodeID("a"), got.ID)

	time.Sleep(80 * time.Millisecond)
	_, ok = cache.Get(ctx, "a")
	require.True(t, ok, "refresh should have extended the TTL")
}

func TestInMemoryCacheManager_ItemsSkipsExpiredAndForeignTypes(t *testing.T) {
	cache := newNodeCache()
	ctx := context.Background()

	cache.Set(ctx, "keep", node{ID: "keep"}, NoExpiration)
	cache.Set(ctx, "gone", node{ID: "gone"}, time.Nanosecond)
	cache.cache.Set("odd", 42, NoExpiration)
	time.Sleep(5 * time.Millisecond)

	items := cache.Items(ctx)
	require.Equal(t, map[nodeID]node{"keep": {ID: "keep"}}, items)
}

func TestInMemoryCacheManager_DeleteAndFlush(t *testing.T) {
	cache := newNodeCache()
	ctx := context.Background()

	require.NoError(t, cache.Delete(ctx))

	cache.Set(ctx, "a", node{ID: "a"}, DefaultExpiration)
	cache.Set(ctx, "b", node{ID: "b"}, DefaultExpiration)
	require.Equal(t, 2, cache.Count(ctx))

	require.NoError(t, cache.Delete(ctx, "a"))
	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)

	require.NoError(t, cache.Flush(ctx))
	require.Zero(t, cache.Count(ctx))
}
