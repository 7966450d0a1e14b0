package sqlite

import (
	"context"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// auditRepository implements domain.AuditRepository using SQLite. The table
// rejects UPDATE and DELETE through triggers.
type auditRepository struct {
	q querier
}

var _ domain.AuditRepository = (*auditRepository)(nil)

// Append inserts rec and sets its ID.
func (r *auditRepository) Append(ctx context.Context, rec *domain.AuditRecord) error {
	m, err := toAuditModel(rec)
	if err != nil {
		return err
	}
	result, err := r.q.ExecContext(ctx,
		`INSERT INTO audit_log (entity_id, action, actor, before_snapshot, after_snapshot, diff, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.EntityID, m.Action, m.Actor, m.Before, m.After, m.Diff, m.CreatedAt,
	)
	if err != nil {
		return classify(err, "failed to append audit record")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return classify(err, "failed to get last insert id")
	}
	rec.ID = id
	return nil
}

// List returns one page of an entity's audit trail, oldest first.
func (r *auditRepository) List(ctx context.Context, q domain.AuditQuery) (domain.AuditPage, error) {
	limit := q.EffectiveLimit()
	var since int64
	if !q.Since.IsZero() {
		since = q.Since.UnixMilli()
	}

	// One extra row tells us whether another page exists.
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, entity_id, action, actor, before_snapshot, after_snapshot, diff, created_at
		FROM audit_log
		WHERE entity_id = ? AND id > ? AND created_at >= ?
		ORDER BY id
		LIMIT ?`,
		string(q.EntityID), q.After, since, limit+1,
	)
	if err != nil {
		return domain.AuditPage{}, classify(err, "failed to list audit records")
	}
	defer func() { _ = rows.Close() }()

	page := domain.AuditPage{Records: []domain.AuditRecord{}}
	for rows.Next() {
		var m AuditModel
		if err := rows.Scan(&m.ID, &m.EntityID, &m.Action, &m.Actor, &m.Before, &m.After, &m.Diff, &m.CreatedAt); err != nil {
			return domain.AuditPage{}, classify(err, "failed to scan audit record")
		}
		rec, err := m.toDomain()
		if err != nil {
			return domain.AuditPage{}, err
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return domain.AuditPage{}, classify(err, "failed to iterate audit records")
	}

	if len(page.Records) > limit {
		page.Records = page.Records[:limit]
		page.NextCursor = page.Records[limit-1].ID
	}
	return page, nil
}
