package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

type depData struct {
	dependent   string
	dependency  string
	criticality domain.Criticality
}

// Builder accumulates fixture entities and edges and writes them straight to
// the store, bypassing the registry's lifecycle rules.
type Builder struct {
	t        *testing.T
	store    domain.Store
	now      time.Time
	entities []*domain.Entity
	byName   map[string]*domain.Entity
	deps     []depData
}

// NewBuilder creates a builder whose default timestamps are now.
func NewBuilder(t *testing.T, store domain.Store, now time.Time) *Builder {
	t.Helper()
	return &Builder{
		t:      t,
		store:  store,
		now:    now.UTC().Truncate(time.Millisecond),
		byName: make(map[string]*domain.Entity),
	}
}

// WithEntity adds an entity. Names must be unique within the builder.
func (b *Builder) WithEntity(typ domain.EntityType, name string, opts ...EntityOption) *Builder {
	e := defaultEntity(typ, name, b.now)
	for _, opt := range opts {
		opt(e)
	}
	b.entities = append(b.entities, e)
	b.byName[name] = e
	return b
}

// WithDependency adds an edge between two named entities.
func (b *Builder) WithDependency(dependent, dependency string, c domain.Criticality) *Builder {
	b.deps = append(b.deps, depData{dependent, dependency, c})
	return b
}

// ID returns the id assigned to a named entity.
func (b *Builder) ID(name string) domain.EntityID {
	e, ok := b.byName[name]
	require.True(b.t, ok, "unknown fixture %q", name)
	return e.ID
}

// Build writes everything in one transaction and returns the entities by name.
func (b *Builder) Build() map[string]*domain.Entity {
	b.t.Helper()
	ctx := context.Background()
	err := b.store.WithTx(ctx, func(tx domain.Tx) error {
		for _, e := range b.entities {
			if err := tx.Entities().Insert(ctx, e); err != nil {
				return err
			}
		}
		for _, d := range b.deps {
			edge := domain.DependencyEdge{
				DependentID:  b.ID(d.dependent),
				DependencyID: b.ID(d.dependency),
				Criticality:  d.criticality,
				CreatedAt:    b.now,
			}
			if err := tx.Dependencies().Add(ctx, edge); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(b.t, err, "failed to build fixtures")

	out := make(map[string]*domain.Entity, len(b.byName))
	for name, e := range b.byName {
		out[name] = e.Clone()
	}
	return out
}
