package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingLoader struct {
	calls int
	err   error
}

func (l *countingLoader) load(_ context.Context, id nodeID) (node, error) {
	l.calls++
	if l.err != nil {
		return node{}, l.err
	}
	return node{ID: id, Name: "loaded"}, nil
}

func TestReadThroughCache_LoadsOnceThenHits(t *testing.T) {
	loader := &countingLoader{}
	rtc := NewReadThroughCache[nodeID, node](newNodeCache(), loader.load, time.Minute, false)
	ctx := context.Background()

	got, err := rtc.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "loaded", got.Name)

	_, err = rtc.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, loader.calls)
}

func TestReadThroughCache_SkipCacheAlwaysLoads(t *testing.T) {
	loader := &countingLoader{}
	rtc := NewReadThroughCache[nodeID, node](newNodeCache(), loader.load, time.Minute, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rtc.Get(ctx, "a")
		require.NoError(t, err)
	}
	require.Equal(t, 3, loader.calls)
}

func TestReadThroughCache_ErrorIsNotCached(t *testing.T) {
	loader := &countingLoader{err: errors.New("store down")}
	cache := newNodeCache()
	rtc := NewReadThroughCache[nodeID, node](cache, loader.load, time.Minute, false)
	ctx := context.Background()

	_, err := rtc.Get(ctx, "a")
	require.EqualError(t, err, "store down")
	require.Zero(t, cache.Count(ctx))

	loader.err = nil
	got, err := rtc.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, nodeID("a"), got.ID)
	require.Equal(t, 2, loader.calls)
}

func TestReadThroughCache_Invalidate(t *testing.T) {
	loader := &countingLoader{}
	rtc := NewReadThroughCache[nodeID, node](newNodeCache(), loader.load, time.Minute, false)
	ctx := context.Background()

	_, _ = rtc.Get(ctx, "a")
	rtc.Invalidate(ctx, "a")
	_, _ = rtc.Get(ctx, "a")
	require.Equal(t, 2, loader.calls)
}
