package sqlite

import (
	"context"
	"fmt"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// dependencyRepository implements domain.DependencyRepository using SQLite.
type dependencyRepository struct {
	q querier
}

var _ domain.DependencyRepository = (*dependencyRepository)(nil)

const dependencyColumns = `dependent_id, dependency_id, criticality, created_at`

// Add inserts the edge, or updates the criticality of an existing one.
func (r *dependencyRepository) Add(ctx context.Context, edge domain.DependencyEdge) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO dependencies (`+dependencyColumns+`) VALUES (?, ?, ?, ?)
		ON CONFLICT (dependent_id, dependency_id) DO UPDATE SET criticality = excluded.criticality`,
		string(edge.DependentID), string(edge.DependencyID), string(edge.Criticality), edge.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("dependency %s -> %s: %w", edge.DependentID, edge.DependencyID, domain.ErrNotFound)
		}
		return classify(err, "failed to add dependency")
	}
	return nil
}

// Remove deletes the edge.
func (r *dependencyRepository) Remove(ctx context.Context, dependentID, dependencyID domain.EntityID) error {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM dependencies WHERE dependent_id = ? AND dependency_id = ?`,
		string(dependentID), string(dependencyID),
	)
	if err != nil {
		return classify(err, "failed to remove dependency")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return classify(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("dependency %s -> %s: %w", dependentID, dependencyID, domain.ErrNotFound)
	}
	return nil
}

// ListFrom returns the dependencies of id.
func (r *dependencyRepository) ListFrom(ctx context.Context, id domain.EntityID) ([]domain.DependencyEdge, error) {
	return r.list(ctx, `WHERE dependent_id = ?`, string(id))
}

// ListTo returns the edges of entities that depend on id.
func (r *dependencyRepository) ListTo(ctx context.Context, id domain.EntityID) ([]domain.DependencyEdge, error) {
	return r.list(ctx, `WHERE dependency_id = ?`, string(id))
}

// ListAll returns every edge.
func (r *dependencyRepository) ListAll(ctx context.Context) ([]domain.DependencyEdge, error) {
	return r.list(ctx, ``)
}

func (r *dependencyRepository) list(ctx context.Context, where string, args ...any) ([]domain.DependencyEdge, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+dependencyColumns+` FROM dependencies `+where+` ORDER BY dependent_id, dependency_id`, args...)
	if err != nil {
		return nil, classify(err, "failed to list dependencies")
	}
	defer func() { _ = rows.Close() }()

	var out []domain.DependencyEdge
	for rows.Next() {
		var dependent, dependency, criticality string
		var createdAt int64
		if err := rows.Scan(&dependent, &dependency, &criticality, &createdAt); err != nil {
			return nil, classify(err, "failed to scan dependency")
		}
		out = append(out, domain.DependencyEdge{
			DependentID:  domain.EntityID(dependent),
			DependencyID: domain.EntityID(dependency),
			Criticality:  domain.Criticality(criticality),
			CreatedAt:    fromMillis(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to iterate dependencies")
	}
	return out, nil
}
