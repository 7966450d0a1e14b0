package controlplane

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

func edge(from, to domain.EntityID, c domain.Criticality) domain.DependencyEdge {
	return domain.DependencyEdge{DependentID: from, DependencyID: to, Criticality: c}
}

func TestAddDependency_RejectsCycles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.register(t, domain.TypeAgent, "a")
	b := env.register(t, domain.TypeServer, "b")
	c := env.register(t, domain.TypeDatabase, "c")

	require.NoError(t, env.core.AddDependency(ctx, edge(a, b, domain.CriticalityHard)))
	require.NoError(t, env.core.AddDependency(ctx, edge(b, c, domain.CriticalitySoft)))

	err := env.core.AddDependency(ctx, edge(c, a, domain.CriticalitySoft))
	require.ErrorIs(t, err, domain.ErrCyclicDependency)

	err = env.core.AddDependency(ctx, edge(a, a, domain.CriticalitySoft))
	require.ErrorIs(t, err, domain.ErrCyclicDependency)

	edges, err := env.store.Dependencies().ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 2, "rejected edges must not be stored")
}

func TestAddDependency_UnknownOrDeregistered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.register(t, domain.TypeAgent, "a")

	err := env.core.AddDependency(ctx, edge(a, domain.NewEntityID(), domain.CriticalityHard))
	require.ErrorIs(t, err, domain.ErrNotFound)

	b := env.register(t, domain.TypeServer, "b")
	require.NoError(t, env.core.Deregister(ctx, b, 0))
	err = env.core.AddDependency(ctx, edge(a, b, domain.CriticalityHard))
	require.ErrorIs(t, err, domain.ErrDeregistered)

	err = env.core.AddDependency(ctx, edge(a, b, "sometimes"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAddDependency_UpsertAndRemove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.register(t, domain.TypeAgent, "a")
	b := env.register(t, domain.TypeServer, "b")

	require.NoError(t, env.core.AddDependency(ctx, edge(a, b, domain.CriticalitySoft)))
	require.NoError(t, env.core.AddDependency(ctx, edge(a, b, domain.CriticalityHard)))

	deps, err := env.core.ListDependencies(ctx, a)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.Equal(t, domain.CriticalityHard, deps[0].Criticality)

	dependents, err := env.core.ListDependents(ctx, b)
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	require.Equal(t, a, dependents[0].DependentID)

	require.NoError(t, env.core.RemoveDependency(ctx, a, b))
	require.ErrorIs(t, env.core.RemoveDependency(ctx, a, b), domain.ErrNotFound)

	page, err := env.core.GetAuditTrail(ctx, domain.AuditQuery{EntityID: a})
	require.NoError(t, err)
	var actions []domain.AuditAction
	for _, r := range page.Records {
		actions = append(actions, r.Action)
	}
	require.Equal(t, []domain.AuditAction{
		domain.ActionRegister, domain.ActionDependencyAdd, domain.ActionDependencyAdd, domain.ActionDependencyRemove,
	}, actions)
}

func TestListDependencies_UnknownEntity(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.core.ListDependencies(context.Background(), domain.NewEntityID())
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.core.ListDependents(context.Background(), domain.NewEntityID())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// The stored graph stays acyclic whatever edges are attempted.
func TestDependencyGraph_StaysAcyclic_Property(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 6).Draw(rt, "nodes")
		ids := make([]domain.EntityID, n)
		for i := range ids {
			id, _, err := env.core.Register(ctx, domain.RegisterRequest{Type: domain.TypeServer, Name: fmt.Sprintf("%s-%d", domain.NewEntityID(), i)})
			require.NoError(rt, err)
			ids[i] = id
		}

		attempts := rapid.SliceOfN(rapid.IntRange(0, n*n-1), 1, 20).Draw(rt, "edges")
		for _, k := range attempts {
			from, to := ids[k/n], ids[k%n]
			err := env.core.AddDependency(ctx, edge(from, to, domain.CriticalitySoft))
			if err != nil {
				require.ErrorIs(rt, err, domain.ErrCyclicDependency)
			}
		}

		for _, a := range ids {
			for _, b := range ids {
				if a == b {
					continue
				}
				ab, _ := reaches(ctx, env, a, b)
				ba, _ := reaches(ctx, env, b, a)
				require.False(rt, ab && ba, "cycle between %s and %s", a, b)
			}
		}
	})
}

func reaches(ctx context.Context, env *testEnv, from, to domain.EntityID) (bool, error) {
	return domain.Reaches(from, to, func(n domain.EntityID) ([]domain.EntityID, error) {
		edges, err := env.store.Dependencies().ListFrom(ctx, n)
		if err != nil {
			return nil, err
		}
		out := make([]domain.EntityID, len(edges))
		for i, e := range edges {
			out[i] = e.DependencyID
		}
		return out, nil
	})
}
