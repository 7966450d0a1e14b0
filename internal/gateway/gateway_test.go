package gateway

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/fleetreg/internal/registry/cache"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

func newEntity(typ domain.EntityType, name string, caps ...string) *domain.Entity {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Entity{
		ID:           domain.NewEntityID(),
		Type:         typ,
		Name:         name,
		Capabilities: domain.NormalizeCapabilities(caps),
		Status:       domain.StatusOnline,
		HealthScore:  100,
		Metadata:     domain.Metadata{},
		RegisteredAt: now,
		UpdatedAt:    now,
		Version:      1,
	}
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.DefaultConfig())
	t.Cleanup(c.Close)
	return c
}

func next(t *testing.T, s *Subscriber) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, ok := s.Next(ctx)
	require.True(t, ok, "expected an envelope")
	return env
}

func TestFilter_Matches(t *testing.T) {
	agent := newEntity(domain.TypeAgent, "a", "analysis")
	db := newEntity(domain.TypeDatabase, "pg", "sql")

	tests := []struct {
		name   string
		filter Filter
		ev     domain.Event
		want   bool
	}{
		{"empty matches all", Filter{}, domain.NewEvent(domain.EventUpdated, agent), true},
		{"event type", Filter{EventTypes: []domain.EventType{domain.EventRegistered}}, domain.NewEvent(domain.EventUpdated, agent), false},
		{"entity type", Filter{EntityTypes: []domain.EntityType{domain.TypeDatabase}}, domain.NewEvent(domain.EventUpdated, db), true},
		{"entity type mismatch", Filter{EntityTypes: []domain.EntityType{domain.TypeDatabase}}, domain.NewEvent(domain.EventUpdated, agent), false},
		{"capability", Filter{Capability: "sql"}, domain.NewEvent(domain.EventUpdated, db), true},
		{"capability mismatch", Filter{Capability: "sql"}, domain.NewEvent(domain.EventUpdated, agent), false},
		{"entity id", Filter{EntityID: agent.ID}, domain.NewEvent(domain.EventUpdated, agent), true},
		{"entity id mismatch", Filter{EntityID: agent.ID}, domain.NewEvent(domain.EventUpdated, db), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.filter.Matches(tt.ev))
		})
	}
}

func TestParseFilter(t *testing.T) {
	q := url.Values{
		"event":      {"registered,Deregistered", "recovered"},
		"type":       {"Agent"},
		"capability": {" sql "},
		"id":         {"abc"},
	}
	f, err := ParseFilter(q)
	require.NoError(t, err)
	require.Equal(t, []domain.EventType{domain.EventRegistered, domain.EventDeregistered, domain.EventRecovered}, f.EventTypes)
	require.Equal(t, []domain.EntityType{domain.TypeAgent}, f.EntityTypes)
	require.Equal(t, "sql", f.Capability)
	require.Equal(t, domain.EntityID("abc"), f.EntityID)

	back, err := ParseFilter(f.Values())
	require.NoError(t, err)
	require.Equal(t, f, back)

	_, err = ParseFilter(url.Values{"event": {"exploded"}})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = ParseFilter(url.Values{"type": {"robot"}})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubscribe_FilteredDelivery(t *testing.T) {
	c := newTestCache(t)
	gw := New(c, Config{QueueSize: 16})
	ctx := context.Background()

	dbs := gw.Subscribe(ctx, Filter{EntityTypes: []domain.EntityType{domain.TypeDatabase}})
	defer dbs.Close()
	all := gw.Subscribe(ctx, Filter{})
	defer all.Close()
	require.Equal(t, 2, gw.SubscriberCount())

	agent := newEntity(domain.TypeAgent, "a")
	pg := newEntity(domain.TypeDatabase, "pg", "sql")
	c.Commit(ctx, agent, domain.EventRegistered)
	c.Commit(ctx, pg, domain.EventRegistered)

	env := next(t, dbs)
	require.Equal(t, pg.ID, env.Entity.ID)
	require.Equal(t, domain.EventRegistered, env.Type)
	require.NotEmpty(t, env.ID)
	require.Zero(t, env.EventsDropped)

	require.Equal(t, agent.ID, next(t, all).Entity.ID)
	require.Equal(t, pg.ID, next(t, all).Entity.ID)
}

func TestSubscribe_TracksCreationAndLastDelivered(t *testing.T) {
	c := newTestCache(t)
	gw := New(c, Config{QueueSize: 16})
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw.now = func() time.Time { return opened }
	ctx := context.Background()

	s := gw.Subscribe(ctx, Filter{Capability: "sql"})
	defer s.Close()

	info := s.Info()
	require.Equal(t, s.ID, info.ID)
	require.Equal(t, "sql", info.Filter.Capability)
	require.True(t, opened.Equal(info.CreatedAt))
	require.Empty(t, info.LastDeliveredEventID)

	pg := newEntity(domain.TypeDatabase, "pg", "sql")
	c.Commit(ctx, pg, domain.EventRegistered)
	c.Commit(ctx, newEntity(domain.TypeAgent, "a"), domain.EventRegistered)
	c.Commit(ctx, pg, domain.EventHealthChanged)

	first := next(t, s)
	second := next(t, s)
	require.Greater(t, second.Seq, first.Seq)
	require.Equal(t, first.Seq+2, second.Seq, "the filtered-out event still consumes a sequence number")

	info = s.Info()
	require.Equal(t, second.ID, info.LastDeliveredEventID)
	require.Equal(t, second.Seq, info.LastDeliveredSeq)
	require.Zero(t, info.EventsDropped)

	subs := gw.Subscriptions()
	require.Len(t, subs, 1)
	require.Equal(t, info, subs[0])
}

// A subscriber that never reads must not slow publishing down; it loses the
// oldest events and learns how many from the next envelope.
func TestSubscribe_SlowSubscriberDropsOldest(t *testing.T) {
	c := newTestCache(t)
	gw := New(c, Config{QueueSize: 2})
	ctx := context.Background()

	slow := gw.Subscribe(ctx, Filter{})
	defer slow.Close()
	fast := gw.Subscribe(ctx, Filter{})
	defer fast.Close()

	e := newEntity(domain.TypeAgent, "a")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := int64(1); v <= 5; v++ {
			snap := e.Clone()
			snap.Version = v
			c.Commit(ctx, snap, domain.EventUpdated)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.Fail(t, "publishing blocked on a slow subscriber")
	}

	first := next(t, slow)
	require.Equal(t, int64(4), first.Entity.Version)
	require.Equal(t, uint64(3), first.EventsDropped)
	require.Equal(t, int64(5), next(t, slow).Entity.Version)
	require.Equal(t, uint64(3), slow.Dropped())
}

func TestSubscribe_CloseRemoves(t *testing.T) {
	c := newTestCache(t)
	gw := New(c, Config{})
	s := gw.Subscribe(context.Background(), Filter{})
	require.Equal(t, 1, gw.SubscriberCount())

	s.Close()
	require.Eventually(t, func() bool { return gw.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok := s.Next(ctx)
	require.False(t, ok)
}

func TestSubscribe_PerEntityOrder_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c := cache.New(cache.DefaultConfig())
		defer c.Close()
		gw := New(c, Config{QueueSize: 512})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sub := gw.Subscribe(ctx, Filter{})

		entities := []*domain.Entity{newEntity(domain.TypeAgent, "a"), newEntity(domain.TypeServer, "b")}
		versions := map[domain.EntityID]int64{}
		n := rapid.IntRange(1, 100).Draw(rt, "n")
		for range n {
			e := entities[rapid.IntRange(0, 1).Draw(rt, "which")]
			versions[e.ID]++
			snap := e.Clone()
			snap.Version = versions[e.ID]
			c.Commit(ctx, snap, domain.EventUpdated)
		}

		seen := map[domain.EntityID]int64{}
		for range n {
			env, ok := sub.Next(ctx)
			if !ok {
				rt.Fatalf("subscription ended early")
			}
			if env.Entity.Version != seen[env.Entity.ID]+1 {
				rt.Fatalf("entity %s: got version %d after %d", env.Entity.Name, env.Entity.Version, seen[env.Entity.ID])
			}
			seen[env.Entity.ID] = env.Entity.Version
		}
	})
}

func TestWebsocket_StreamsFilteredEnvelopes(t *testing.T) {
	c := newTestCache(t)
	gw := New(c, Config{QueueSize: 16, PingInterval: 50 * time.Millisecond})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, srv.URL+"/v1/events", Filter{Capability: "sql"})
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return gw.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	c.Commit(ctx, newEntity(domain.TypeAgent, "a", "analysis"), domain.EventRegistered)
	pg := newEntity(domain.TypeDatabase, "pg", "sql")
	c.Commit(ctx, pg, domain.EventRegistered, domain.EventRecovered)

	env, err := client.Next()
	require.NoError(t, err)
	require.Equal(t, domain.EventRegistered, env.Type)
	require.Equal(t, pg.ID, env.Entity.ID)
	require.Equal(t, "pg", env.Entity.Name)

	env, err = client.Next()
	require.NoError(t, err)
	require.Equal(t, domain.EventRecovered, env.Type)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return gw.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocket_BadFilter(t *testing.T) {
	gw := New(newTestCache(t), Config{})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	_, err := Dial(context.Background(), srv.URL, Filter{EventTypes: []domain.EventType{"exploded"}})
	require.Error(t, err)
}
