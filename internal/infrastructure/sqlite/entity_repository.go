package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// entityColumns is the list of columns to select for entity queries.
const entityColumns = `id, entity_type, name, capabilities, status, health_score, metadata,
	heartbeat_interval_ms, last_heartbeat_at, registered_at, updated_at, version`

// entityRepository implements domain.EntityRepository using SQLite.
// Insert and Update issue several statements; run them inside DB.WithTx.
type entityRepository struct {
	q querier
}

var _ domain.EntityRepository = (*entityRepository)(nil)

func scanEntity(scanner interface{ Scan(...any) error }) (*domain.Entity, error) {
	var m EntityModel
	err := scanner.Scan(
		&m.ID, &m.EntityType, &m.Name, &m.Capabilities, &m.Status, &m.HealthScore, &m.Metadata,
		&m.HeartbeatIntervalMS, &m.LastHeartbeatAt, &m.RegisteredAt, &m.UpdatedAt, &m.Version,
	)
	if err != nil {
		return nil, err
	}
	return m.toDomain()
}

// Insert stores a new entity and its first version snapshot.
func (r *entityRepository) Insert(ctx context.Context, e *domain.Entity) error {
	m, err := toEntityModel(e)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx,
		`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.EntityType, m.Name, m.Capabilities, m.Status, m.HealthScore, m.Metadata,
		m.HeartbeatIntervalMS, m.LastHeartbeatAt, m.RegisteredAt, m.UpdatedAt, m.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %q: %w", e.Type, e.Name, domain.ErrAlreadyRegistered)
		}
		return classify(err, "failed to insert entity")
	}

	if err := r.writeCapabilities(ctx, e); err != nil {
		return err
	}
	return r.recordVersion(ctx, e)
}

// Update replaces the row only when the stored version equals expectedVersion.
func (r *entityRepository) Update(ctx context.Context, e *domain.Entity, expectedVersion int64) error {
	m, err := toEntityModel(e)
	if err != nil {
		return err
	}

	result, err := r.q.ExecContext(ctx,
		`UPDATE entities SET
			entity_type = ?, name = ?, capabilities = ?, status = ?, health_score = ?, metadata = ?,
			heartbeat_interval_ms = ?, last_heartbeat_at = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		m.EntityType, m.Name, m.Capabilities, m.Status, m.HealthScore, m.Metadata,
		m.HeartbeatIntervalMS, m.LastHeartbeatAt, m.UpdatedAt, m.Version,
		m.ID, expectedVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %q: %w", e.Type, e.Name, domain.ErrAlreadyRegistered)
		}
		return classify(err, "failed to update entity")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify(err, "failed to get rows affected")
	}
	if rows == 0 {
		var current int64
		err := r.q.QueryRowContext(ctx, `SELECT version FROM entities WHERE id = ?`, m.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("entity %s: %w", e.ID, domain.ErrNotFound)
		}
		if err != nil {
			return classify(err, "failed to read entity version")
		}
		return fmt.Errorf("entity %s at version %d, expected %d: %w", e.ID, current, expectedVersion, domain.ErrVersionConflict)
	}

	if _, err := r.q.ExecContext(ctx, `DELETE FROM entity_capabilities WHERE entity_id = ?`, m.ID); err != nil {
		return classify(err, "failed to clear capabilities")
	}
	if err := r.writeCapabilities(ctx, e); err != nil {
		return err
	}
	return r.recordVersion(ctx, e)
}

func (r *entityRepository) writeCapabilities(ctx context.Context, e *domain.Entity) error {
	for _, c := range e.Capabilities {
		if _, err := r.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO entity_capabilities (entity_id, capability) VALUES (?, ?)`,
			string(e.ID), c,
		); err != nil {
			return classify(err, "failed to insert capability")
		}
	}
	return nil
}

func (r *entityRepository) recordVersion(ctx context.Context, e *domain.Entity) error {
	snap, err := snapshotJSON(e)
	if err != nil {
		return err
	}
	if _, err := r.q.ExecContext(ctx,
		`INSERT INTO entity_versions (entity_id, version, snapshot, recorded_at) VALUES (?, ?, ?, ?)`,
		string(e.ID), e.Version, *snap, e.UpdatedAt.UnixMilli(),
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("entity %s version %d already recorded: %w", e.ID, e.Version, domain.ErrVersionConflict)
		}
		return classify(err, "failed to record entity version")
	}
	return nil
}

// Get returns the entity by id.
func (r *entityRepository) Get(ctx context.Context, id domain.EntityID) (*domain.Entity, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, string(id))
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, classify(err, "failed to get entity")
	}
	return e, nil
}

// FindLive returns the live entity with the given type and name.
func (r *entityRepository) FindLive(ctx context.Context, t domain.EntityType, name string) (*domain.Entity, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND name = ? AND status <> ?`,
		string(t), name, string(domain.StatusDeregistered),
	)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %q: %w", t, name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, classify(err, "failed to find entity")
	}
	return e, nil
}

// List returns entities matching filter. Type, status and capability are
// pushed into SQL; hierarchy criteria are applied on the decoded rows.
func (r *entityRepository) List(ctx context.Context, filter domain.EntityFilter) ([]*domain.Entity, error) {
	var where []string
	var args []any

	if len(filter.Types) > 0 {
		where = append(where, "entity_type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}
	if !filter.IncludeDeregistered {
		where = append(where, "status <> ?")
		args = append(args, string(domain.StatusDeregistered))
	}
	if filter.Capability != "" {
		where = append(where, "id IN (SELECT entity_id FROM entity_capabilities WHERE capability = ?)")
		args = append(args, filter.Capability)
	}

	query := `SELECT ` + entityColumns + ` FROM entities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY registered_at, id"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "failed to list entities")
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, classify(err, "failed to scan entity")
		}
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to iterate entities")
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
