package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
	"github.com/zjrosen/fleetreg/internal/testutil"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", RoundRobin, false},
		{"rr", RoundRobin, false},
		{"Round-Robin", RoundRobin, false},
		{"lru", LeastRecentlyUsed, false},
		{"least-recently-used", LeastRecentlyUsed, false},
		{"random", Random, false},
		{"fastest", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSelectOne_PrefersOnline(t *testing.T) {
	env := newEngineEnv(t, func(b *testutil.Builder) {
		b.WithEntity(domain.TypeAgent, "deg", testutil.Online(testNow), testutil.Status(domain.StatusDegraded), testutil.Capabilities("analysis")).
			WithEntity(domain.TypeAgent, "on", testutil.Online(testNow), testutil.Capabilities("analysis"))
	})

	for range 5 {
		sel, err := env.engine.SelectOne(context.Background(), "analysis", RoundRobin)
		require.NoError(t, err)
		require.Equal(t, "on", sel.Entity.Name)
		require.False(t, sel.Degraded)
	}
}

func TestSelectOne_DegradedFallback(t *testing.T) {
	env := newEngineEnv(t, func(b *testutil.Builder) {
		b.WithEntity(domain.TypeAgent, "deg", testutil.Online(testNow), testutil.Status(domain.StatusDegraded), testutil.Capabilities("analysis")).
			WithEntity(domain.TypeAgent, "off", testutil.Status(domain.StatusOffline), testutil.Capabilities("analysis"))
	})

	sel, err := env.engine.SelectOne(context.Background(), "analysis", "")
	require.NoError(t, err)
	require.Equal(t, "deg", sel.Entity.Name)
	require.True(t, sel.Degraded)
}

func TestSelectOne_NeverOfflineOrStarting(t *testing.T) {
	env := newEngineEnv(t, func(b *testutil.Builder) {
		b.WithEntity(domain.TypeAgent, "off", testutil.Status(domain.StatusOffline), testutil.Capabilities("analysis")).
			WithEntity(domain.TypeAgent, "new", testutil.Capabilities("analysis")).
			WithEntity(domain.TypeAgent, "gone", testutil.Status(domain.StatusDeregistered), testutil.Capabilities("analysis"))
	})

	_, err := env.engine.SelectOne(context.Background(), "analysis", Random)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.engine.SelectOne(context.Background(), "nobody-has-this", Random)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSelectOne_UnknownStrategy(t *testing.T) {
	env := newEngineEnv(t, nil)
	_, err := env.engine.SelectOne(context.Background(), "analysis", Strategy("fastest"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSelectOne_RoundRobinCycles(t *testing.T) {
	env := newEngineEnv(t, func(b *testutil.Builder) {
		b.WithEntity(domain.TypeAgent, "a", testutil.Online(testNow), testutil.Capabilities("analysis")).
			WithEntity(domain.TypeAgent, "b", testutil.Online(testNow), testutil.Capabilities("analysis")).
			WithEntity(domain.TypeAgent, "c", testutil.Online(testNow), testutil.Capabilities("analysis"))
	})

	counts := map[string]int{}
	for range 9 {
		sel, err := env.engine.SelectOne(context.Background(), "analysis", RoundRobin)
		require.NoError(t, err)
		counts[sel.Entity.Name]++
	}
	require.Equal(t, map[string]int{"a": 3, "b": 3, "c": 3}, counts)
}

func TestSelectOne_LeastRecentlyUsed(t *testing.T) {
	env := newEngineEnv(t, func(b *testutil.Builder) {
		b.WithEntity(domain.TypeAgent, "a", testutil.Online(testNow), testutil.Capabilities("analysis")).
			WithEntity(domain.TypeAgent, "b", testutil.Online(testNow), testutil.Capabilities("analysis"))
	})
	clock := testutil.NewClock(testNow)
	env.engine.clock = clock.Now
	ctx := context.Background()

	first, err := env.engine.SelectOne(ctx, "analysis", LeastRecentlyUsed)
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := env.engine.SelectOne(ctx, "analysis", LeastRecentlyUsed)
	require.NoError(t, err)
	require.NotEqual(t, first.Entity.ID, second.Entity.ID)

	clock.Advance(time.Second)
	third, err := env.engine.SelectOne(ctx, "analysis", LeastRecentlyUsed)
	require.NoError(t, err)
	require.Equal(t, first.Entity.ID, third.Entity.ID)
}

func TestSelectOne_RandomPicksCandidate_Property(t *testing.T) {
	env := newEngineEnv(t, func(b *testutil.Builder) {
		b.WithEntity(domain.TypeAgent, "a", testutil.Online(testNow), testutil.Capabilities("analysis")).
			WithEntity(domain.TypeAgent, "b", testutil.Online(testNow), testutil.Capabilities("analysis")).
			WithEntity(domain.TypeAgent, "off", testutil.Status(domain.StatusOffline), testutil.Capabilities("analysis"))
	})

	rapid.Check(t, func(t *rapid.T) {
		strategy := rapid.SampledFrom([]Strategy{RoundRobin, LeastRecentlyUsed, Random}).Draw(t, "strategy")
		sel, err := env.engine.SelectOne(context.Background(), "analysis", strategy)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if sel.Entity.Status != domain.StatusOnline {
			t.Fatalf("selected %s in status %s", sel.Entity.Name, sel.Entity.Status)
		}
	})
}
