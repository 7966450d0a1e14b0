package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

func entity(name string, version int64, caps ...string) *domain.Entity {
	return &domain.Entity{
		ID:           domain.EntityID("id-" + name),
		Type:         domain.TypeServer,
		Name:         name,
		Capabilities: domain.NormalizeCapabilities(caps),
		Status:       domain.StatusOnline,
		RegisteredAt: time.Unix(int64(len(name)), 0),
		Version:      version,
	}
}

func TestCache_PutKeepsNewestVersion(t *testing.T) {
	c := New(DefaultConfig())
	ctx := context.Background()

	c.Put(ctx, entity("fs", 3))
	c.Put(ctx, entity("fs", 2))

	got, ok := c.Get(ctx, "id-fs")
	require.True(t, ok)
	require.Equal(t, int64(3), got.Version)
}

func TestCache_GetReturnsCopy(t *testing.T) {
	c := New(DefaultConfig())
	ctx := context.Background()
	c.Put(ctx, entity("fs", 1, "file_ops"))

	got, _ := c.Get(ctx, "id-fs")
	got.Capabilities[0] = "mutated"

	again, _ := c.Get(ctx, "id-fs")
	require.Equal(t, []string{"file_ops"}, again.Capabilities)
}

func TestCache_ReplaceKeepsWritesAfterGeneration(t *testing.T) {
	c := New(DefaultConfig())
	ctx := context.Background()

	c.Put(ctx, entity("old", 1))
	gen := c.Generation()

	// Written while the reload query was in flight.
	c.Put(ctx, entity("fs", 5))
	c.Put(ctx, entity("late", 1))

	c.Replace(ctx, []*domain.Entity{entity("fs", 4), entity("db", 1)}, gen)

	fs, ok := c.Get(ctx, "id-fs")
	require.True(t, ok)
	require.Equal(t, int64(5), fs.Version)
	_, ok = c.Get(ctx, "id-late")
	require.True(t, ok)
	_, ok = c.Get(ctx, "id-db")
	require.True(t, ok)
	_, ok = c.Get(ctx, "id-old")
	require.False(t, ok, "entries not in the snapshot and older than gen are dropped")
}

func TestCache_FreshnessExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = 30 * time.Millisecond
	c := New(cfg)
	ctx := context.Background()

	require.False(t, c.Loaded())
	require.False(t, c.Fresh(ctx))

	c.Replace(ctx, nil, c.Generation())
	require.True(t, c.Loaded())
	require.True(t, c.Fresh(ctx))

	time.Sleep(60 * time.Millisecond)
	require.False(t, c.Fresh(ctx))
	require.True(t, c.Loaded())

	c.Replace(ctx, nil, c.Generation())
	c.Expire(ctx)
	require.False(t, c.Fresh(ctx))
}

func TestCache_SnapshotFiltersAndOrders(t *testing.T) {
	c := New(DefaultConfig())
	ctx := context.Background()

	gone := entity("gone", 2, "file_ops")
	gone.Status = domain.StatusDeregistered
	c.Put(ctx, entity("bb", 1, "file_ops"))
	c.Put(ctx, entity("a", 1, "file_ops"))
	c.Put(ctx, entity("ccc", 1, "sql"))
	c.Put(ctx, gone)

	got := c.Snapshot(ctx, domain.EntityFilter{Capability: "file_ops"})
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Name)
	require.Equal(t, "bb", got[1].Name)
}

func TestCache_CommitPublishesInOrder(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := c.Subscribe(ctx, 16, nil)
	e := entity("fs", 1)
	c.Commit(ctx, e, domain.EventRegistered)
	e2 := e.Clone()
	e2.Version = 2
	c.Commit(ctx, e2, domain.EventHealthChanged, domain.EventRecovered)

	var types []domain.EventType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			types = append(types, ev.Payload.Type)
			require.NotEmpty(t, ev.Payload.ID)
		case <-time.After(time.Second):
			require.Fail(t, "timeout waiting for event")
		}
	}
	require.Equal(t, []domain.EventType{domain.EventRegistered, domain.EventHealthChanged, domain.EventRecovered}, types)
}

func TestCache_CommitStampsSeqAndWriteTime(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := c.Subscribe(ctx, 16, nil)
	written := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := entity("fs", 1)
	e.UpdatedAt = written
	c.Commit(ctx, e, domain.EventRegistered, domain.EventHealthChanged)
	c.Commit(ctx, entity("db", 1), domain.EventRegistered)

	var seqs []uint64
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			seqs = append(seqs, ev.Payload.Seq)
			if ev.Payload.Entity.Name == "fs" {
				require.True(t, written.Equal(ev.Payload.Timestamp), "stamped with updated_at")
			}
		case <-time.After(time.Second):
			require.Fail(t, "timeout waiting for event")
		}
	}
	require.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestCache_ConcurrentCommitsDeliverInSeqOrder(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const writers, perWriter = 8, 25
	sub := c.Subscribe(ctx, writers*perWriter, nil)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := entity(string(rune('a'+w)), 0)
			for v := int64(1); v <= perWriter; v++ {
				snap := e.Clone()
				snap.Version = v
				c.Commit(ctx, snap, domain.EventUpdated)
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < writers*perWriter; i++ {
		ev := <-sub.Events()
		require.Greater(t, ev.Payload.Seq, last)
		last = ev.Payload.Seq
	}
	require.Equal(t, uint64(writers*perWriter), last)
}

// Fills from store reads race with commits; the newest version must win
// whatever the interleaving.
func TestCache_ConcurrentPutsKeepNewest(t *testing.T) {
	for round := 0; round < 20; round++ {
		c := New(DefaultConfig())
		ctx := context.Background()

		var wg sync.WaitGroup
		for v := int64(1); v <= 32; v++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Put(ctx, entity("fs", v))
			}()
		}
		wg.Wait()

		got, ok := c.Get(ctx, "id-fs")
		require.True(t, ok)
		require.Equal(t, int64(32), got.Version)
		c.Close()
	}
}

func TestCache_SubscribeFilter(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := c.Subscribe(ctx, 4, func(ev domain.Event) bool { return ev.Entity.HasCapability("file_ops") })
	c.Commit(ctx, entity("db", 1, "sql"), domain.EventRegistered)
	c.Commit(ctx, entity("fs", 1, "file_ops"), domain.EventRegistered)

	select {
	case ev := <-sub.Events():
		require.Equal(t, "fs", ev.Payload.Entity.Name)
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for event")
	}
	require.Empty(t, sub.Events())
}

func TestCache_InvalidateMarksStale(t *testing.T) {
	ctx := context.Background()
	c := New(DefaultConfig())
	defer c.Close()

	e := &domain.Entity{ID: domain.NewEntityID(), Type: domain.TypeAgent, Name: "a", Status: domain.StatusOnline, Version: 1}
	c.Replace(ctx, []*domain.Entity{e}, c.Generation())
	require.True(t, c.Fresh(ctx))

	c.Invalidate(ctx, e.ID)
	_, ok := c.Get(ctx, e.ID)
	require.False(t, ok)
	require.False(t, c.Fresh(ctx))
	require.True(t, c.Loaded())
}
