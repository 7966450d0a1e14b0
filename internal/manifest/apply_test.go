package manifest

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/fleetreg/internal/controlplane"
	"github.com/zjrosen/fleetreg/internal/registry/cache"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
	"github.com/zjrosen/fleetreg/internal/retry"
	"github.com/zjrosen/fleetreg/internal/testutil"
)

func newCore(t *testing.T) *controlplane.Core {
	t.Helper()
	c := cache.New(cache.DefaultConfig())
	t.Cleanup(c.Close)
	core, err := controlplane.New(controlplane.Config{
		Store:  testutil.NewTestStore(t),
		Cache:  c,
		Retry:  retry.Policy{AttemptTimeout: 5 * time.Second, Backoff: time.Millisecond},
		Health: domain.DefaultHealthPolicy(),
	})
	require.NoError(t, err)
	return core
}

func TestApply_RegistersThenConverges(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()
	plan, err := Load(writeFile(t, "fleet.yaml", yamlManifest))
	require.NoError(t, err)

	res, err := Apply(ctx, core, plan)
	require.NoError(t, err)
	require.Equal(t, Result{Registered: 2, EdgesAdded: 1}, res)

	analyst, err := core.FindByName(ctx, domain.TypeAgent, "analyst-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusStarting, analyst.Status)
	edges, err := core.ListDependencies(ctx, analyst.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	page, err := core.GetAuditTrail(ctx, domain.AuditQuery{EntityID: analyst.ID})
	require.NoError(t, err)
	require.Equal(t, ManifestActor, page.Records[0].Actor)

	res, err = Apply(ctx, core, plan)
	require.NoError(t, err)
	require.Equal(t, Result{Unchanged: 2}, res, "re-applying is a no-op")
}

func TestApply_UpdatesDrift(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()
	plan, err := Load(writeFile(t, "fleet.yaml", yamlManifest))
	require.NoError(t, err)
	_, err = Apply(ctx, core, plan)
	require.NoError(t, err)

	// Drift: capabilities trimmed and an extra metadata key added out of band.
	pg, err := core.FindByName(ctx, domain.TypeDatabase, "postgres")
	require.NoError(t, err)
	caps := []string{}
	_, err = core.Update(ctx, pg.ID, pg.Version, domain.Patch{
		Capabilities: &caps,
		Metadata:     domain.Metadata{"owner": domain.String("dba")},
	})
	require.NoError(t, err)

	plan.Edges[0].Criticality = domain.CriticalitySoft
	res, err := Apply(ctx, core, plan)
	require.NoError(t, err)
	require.Equal(t, Result{Updated: 1, Unchanged: 1, EdgesUpdated: 1}, res)

	pg, err = core.FindByName(ctx, domain.TypeDatabase, "postgres")
	require.NoError(t, err)
	require.Equal(t, []string{"sql"}, pg.Capabilities)
	require.Equal(t, "dba", pg.Metadata.GetString("owner"), "keys missing from the manifest are kept")

	analyst, err := core.FindByName(ctx, domain.TypeAgent, "analyst-1")
	require.NoError(t, err)
	edges, err := core.ListDependencies(ctx, analyst.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CriticalitySoft, edges[0].Criticality)
}

func TestDiffPatch(t *testing.T) {
	cur := &domain.Entity{
		Capabilities:      []string{"a", "b"},
		Metadata:          domain.Metadata{"k": domain.String("v")},
		HeartbeatInterval: domain.Duration(10 * time.Second),
	}
	same := domain.RegisterRequest{Capabilities: []string{"b", "a"}, Metadata: domain.Metadata{"k": domain.String("v")}}
	require.True(t, diffPatch(cur, same).IsEmpty())

	changed := domain.RegisterRequest{
		Capabilities:      []string{"a"},
		Metadata:          domain.Metadata{"k": domain.String("w")},
		HeartbeatInterval: domain.Duration(time.Minute),
	}
	p := diffPatch(cur, changed)
	require.Equal(t, []string{"a"}, *p.Capabilities)
	require.Equal(t, "w", p.Metadata.GetString("k"))
	require.Equal(t, domain.Duration(time.Minute), *p.HeartbeatInterval)
}

func TestWatch_ReappliesOnChange(t *testing.T) {
	core := newCore(t)
	path := writeFile(t, "fleet.yaml", "entities:\n  - {type: agent, name: a}\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var applies atomic.Int32
	require.NoError(t, Watch(ctx, path, 30*time.Millisecond, core, func(Result) { applies.Add(1) }))

	require.NoError(t, os.WriteFile(path, []byte("entities:\n  - {type: agent, name: a}\n  - {type: agent, name: b}\n"), 0644))

	require.Eventually(t, func() bool {
		_, err := core.FindByName(context.Background(), domain.TypeAgent, "b")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	require.GreaterOrEqual(t, applies.Load(), int32(1))
}
