package controlplane

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
	"github.com/zjrosen/fleetreg/internal/retry"
	"github.com/zjrosen/fleetreg/internal/tracing"
)

// AddDependency records that edge.DependentID relies on edge.DependencyID.
// Both entities must exist and be live. An edge that would close a cycle is
// rejected with ErrCyclicDependency. Re-adding an edge updates its criticality.
func (c *Core) AddDependency(ctx context.Context, edge domain.DependencyEdge) (err error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanAddDependency, trace.WithAttributes(
		attribute.String(tracing.AttrEntityID, string(edge.DependentID)),
	))
	defer func() { tracing.Finish(span, err) }()

	if err := edge.Validate(); err != nil {
		return err
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = c.now()
	}

	err = retry.Run(ctx, c.retry, "add dependency", func(ctx context.Context) error {
		return c.store.WithTx(ctx, func(tx domain.Tx) error {
			dependent, err := liveEntity(ctx, tx, edge.DependentID)
			if err != nil {
				return err
			}
			if _, err := liveEntity(ctx, tx, edge.DependencyID); err != nil {
				return err
			}
			if err := c.authorize(ctx, domain.ActionDependencyAdd, dependent.Type, dependent.ID); err != nil {
				return err
			}

			cyclic, err := domain.Reaches(edge.DependencyID, edge.DependentID, func(id domain.EntityID) ([]domain.EntityID, error) {
				edges, err := tx.Dependencies().ListFrom(ctx, id)
				if err != nil {
					return nil, err
				}
				next := make([]domain.EntityID, len(edges))
				for i, e := range edges {
					next[i] = e.DependencyID
				}
				return next, nil
			})
			if err != nil {
				return err
			}
			if cyclic {
				return fmt.Errorf("%w: %s already reaches %s", domain.ErrCyclicDependency, edge.DependencyID, edge.DependentID)
			}

			if err := tx.Dependencies().Add(ctx, edge); err != nil {
				return err
			}
			return tx.Audit().Append(ctx, &domain.AuditRecord{
				EntityID:  edge.DependentID,
				Action:    domain.ActionDependencyAdd,
				Actor:     ActorFrom(ctx),
				Diff:      fmt.Sprintf("+ depends on %s (%s)\n", edge.DependencyID, edge.Criticality),
				Timestamp: edge.CreatedAt,
			})
		})
	})
	if err != nil {
		return fmt.Errorf("add dependency %s -> %s: %w", edge.DependentID, edge.DependencyID, err)
	}
	log.Info(log.CatRegistry, "dependency added",
		"dependent", edge.DependentID, "dependency", edge.DependencyID, "criticality", edge.Criticality)
	return nil
}

// RemoveDependency deletes the edge. Returns ErrNotFound when it does not exist.
func (c *Core) RemoveDependency(ctx context.Context, dependentID, dependencyID domain.EntityID) error {
	err := retry.Run(ctx, c.retry, "remove dependency", func(ctx context.Context) error {
		return c.store.WithTx(ctx, func(tx domain.Tx) error {
			dependent, err := tx.Entities().Get(ctx, dependentID)
			if err != nil {
				return err
			}
			if err := c.authorize(ctx, domain.ActionDependencyRemove, dependent.Type, dependentID); err != nil {
				return err
			}
			if err := tx.Dependencies().Remove(ctx, dependentID, dependencyID); err != nil {
				return err
			}
			return tx.Audit().Append(ctx, &domain.AuditRecord{
				EntityID:  dependentID,
				Action:    domain.ActionDependencyRemove,
				Actor:     ActorFrom(ctx),
				Diff:      fmt.Sprintf("- depends on %s\n", dependencyID),
				Timestamp: c.now(),
			})
		})
	})
	if err != nil {
		return fmt.Errorf("remove dependency %s -> %s: %w", dependentID, dependencyID, err)
	}
	log.Info(log.CatRegistry, "dependency removed", "dependent", dependentID, "dependency", dependencyID)
	return nil
}

// ListDependencies returns the edges from id to the entities it relies on.
func (c *Core) ListDependencies(ctx context.Context, id domain.EntityID) ([]domain.DependencyEdge, error) {
	if _, err := c.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return retry.Do(ctx, c.retry, "list dependencies", func(ctx context.Context) ([]domain.DependencyEdge, error) {
		return c.store.Dependencies().ListFrom(ctx, id)
	})
}

// ListDependents returns the edges from entities that rely on id.
func (c *Core) ListDependents(ctx context.Context, id domain.EntityID) ([]domain.DependencyEdge, error) {
	if _, err := c.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return retry.Do(ctx, c.retry, "list dependents", func(ctx context.Context) ([]domain.DependencyEdge, error) {
		return c.store.Dependencies().ListTo(ctx, id)
	})
}

func liveEntity(ctx context.Context, tx domain.Tx, id domain.EntityID) (*domain.Entity, error) {
	e, err := tx.Entities().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return nil, fmt.Errorf("entity %s: %w", id, domain.ErrDeregistered)
	}
	return e, nil
}
