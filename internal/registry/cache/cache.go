// Package cache is the registry's read cache: an in-memory copy of the
// entity table with a TTL freshness marker, plus the broadcast broker that
// fans change events out to subscribers.
package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/fleetreg/internal/cachemanager"
	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/pubsub"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

const freshnessKey = "snapshot"

// Config controls cache staleness and broadcast buffering.
type Config struct {
	// TTL bounds how long a full snapshot is trusted before discovery reloads it.
	TTL time.Duration
	// CleanupInterval is how often expired markers are purged.
	CleanupInterval time.Duration
	// BroadcastBuffer is the default per-subscriber queue size.
	BroadcastBuffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             30 * time.Second,
		CleanupInterval: time.Minute,
		BroadcastBuffer: 256,
	}
}

type entry struct {
	Entity *domain.Entity
	Seq    uint64
}

// Cache holds entity snapshots keyed by id. Each entry is replaced as a
// whole, so readers never observe a half-written entity.
type Cache struct {
	cfg      Config
	mu       sync.RWMutex // held exclusively while a full snapshot is swapped in
	putMu    sync.Mutex   // makes the version check and the write in putLocked atomic
	entities *cachemanager.InMemoryCacheManager[domain.EntityID, entry]
	fresh    *cachemanager.InMemoryCacheManager[string, uint64]
	seq      atomic.Uint64
	loaded   atomic.Bool

	pubMu    sync.Mutex // orders event sequence numbers with publication
	eventSeq uint64
	broker   *pubsub.Broker[domain.Event]
}

// New creates an empty, unloaded cache.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = def.BroadcastBuffer
	}
	return &Cache{
		cfg:      cfg,
		entities: cachemanager.NewInMemoryCacheManager[domain.EntityID, entry]("entities", cachemanager.NoExpiration, cfg.CleanupInterval),
		fresh:    cachemanager.NewInMemoryCacheManager[string, uint64]("freshness", cfg.TTL, cfg.CleanupInterval),
		broker:   pubsub.NewBrokerWithBuffer[domain.Event](cfg.BroadcastBuffer),
	}
}

// Get returns a copy of the cached entity.
func (c *Cache) Get(ctx context.Context, id domain.EntityID) (*domain.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	en, ok := c.entities.Get(ctx, id)
	if !ok {
		return nil, false
	}
	return en.Entity.Clone(), true
}

// Put stores e unless the cache already holds a newer version of it.
func (c *Cache) Put(ctx context.Context, e *domain.Entity) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.putLocked(ctx, e)
}

func (c *Cache) putLocked(ctx context.Context, e *domain.Entity) {
	c.putMu.Lock()
	defer c.putMu.Unlock()
	if cur, ok := c.entities.Get(ctx, e.ID); ok && cur.Entity.Version > e.Version {
		log.Debug(log.CatCache, "ignoring older entity version", "id", e.ID, "cached", cur.Entity.Version, "offered", e.Version)
		return
	}
	c.entities.Set(ctx, e.ID, entry{Entity: e.Clone(), Seq: c.seq.Add(1)}, cachemanager.NoExpiration)
}

// Commit stores e and then broadcasts one event per type, in order. Callers
// serialize commits per entity so subscribers see that entity's events in
// version order. Every subscriber receives events in Seq order.
func (c *Cache) Commit(ctx context.Context, e *domain.Entity, events ...domain.EventType) {
	c.Put(ctx, e)
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	for _, t := range events {
		ev := domain.NewEvent(t, e)
		c.eventSeq++
		ev.Seq = c.eventSeq
		c.broker.Publish(pubsub.EventType(t), ev)
		log.Debug(log.CatCache, "event published", "type", t, "id", e.ID, "version", e.Version, "seq", ev.Seq)
	}
}

// Invalidate drops id and marks the snapshot stale, so the next discovery
// read reloads from the store instead of answering without the entity.
func (c *Cache) Invalidate(ctx context.Context, id domain.EntityID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_ = c.entities.Delete(ctx, id)
	_ = c.fresh.Delete(ctx, freshnessKey)
}

// Generation returns a token to pass to Replace. Writes that happen after
// the token was taken survive the replace.
func (c *Cache) Generation() uint64 {
	return c.seq.Load()
}

// Replace swaps in a full snapshot loaded from the store. Entries written
// after gen are kept when they are newer than, or missing from, the snapshot.
func (c *Cache) Replace(ctx context.Context, loaded []*domain.Entity, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[domain.EntityID]*domain.Entity, len(loaded))
	for _, e := range loaded {
		next[e.ID] = e
	}
	for id, en := range c.entities.Items(ctx) {
		if en.Seq <= gen {
			continue
		}
		if l, ok := next[id]; !ok || en.Entity.Version >= l.Version {
			next[id] = en.Entity
		}
	}

	_ = c.entities.Flush(ctx)
	for _, e := range next {
		c.putLocked(ctx, e)
	}
	c.loaded.Store(true)
	c.fresh.Set(ctx, freshnessKey, gen, c.cfg.TTL)
	log.Debug(log.CatCache, "snapshot replaced", "entities", len(next))
}

// Loaded reports whether a full snapshot has ever been installed.
func (c *Cache) Loaded() bool {
	return c.loaded.Load()
}

// Fresh reports whether the last full snapshot is younger than the TTL.
func (c *Cache) Fresh(ctx context.Context) bool {
	if !c.loaded.Load() {
		return false
	}
	_, ok := c.fresh.Get(ctx, freshnessKey)
	return ok
}

// Expire forces the next discovery read to reload from the store.
func (c *Cache) Expire(ctx context.Context) {
	_ = c.fresh.Delete(ctx, freshnessKey)
}

// Snapshot returns copies of every cached entity matching filter, ordered by
// registration time then id.
func (c *Cache) Snapshot(ctx context.Context, filter domain.EntityFilter) []*domain.Entity {
	c.mu.RLock()
	items := c.entities.Items(ctx)
	c.mu.RUnlock()

	out := make([]*domain.Entity, 0, len(items))
	for _, en := range items {
		if filter.Matches(en.Entity) {
			out = append(out, en.Entity.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe registers a bounded, drop-oldest subscription to change events.
// A nil filter receives everything; size <= 0 uses the configured buffer.
func (c *Cache) Subscribe(ctx context.Context, size int, filter func(domain.Event) bool) *pubsub.Subscription[domain.Event] {
	return c.broker.SubscribeFiltered(ctx, size, filter)
}

// SubscriberCount returns the number of live subscriptions.
func (c *Cache) SubscriberCount() int {
	return c.broker.SubscriberCount()
}

// Close ends every subscription.
func (c *Cache) Close() {
	c.broker.Close()
}
