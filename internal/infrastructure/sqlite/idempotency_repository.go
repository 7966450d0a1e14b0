package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

type idempotencyRepository struct {
	q querier
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)

func (r *idempotencyRepository) Get(ctx context.Context, token string) (*domain.IdempotencyRecord, error) {
	rec := &domain.IdempotencyRecord{Token: token}
	var entityID string
	err := r.q.QueryRowContext(ctx,
		`SELECT fingerprint, entity_id, version FROM idempotency_tokens WHERE token = ?`, token,
	).Scan(&rec.Fingerprint, &entityID, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency token: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, classify(err, "failed to read idempotency token")
	}
	rec.EntityID = domain.EntityID(entityID)
	return rec, nil
}

func (r *idempotencyRepository) Put(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO idempotency_tokens (token, fingerprint, entity_id, version, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Token, rec.Fingerprint, string(rec.EntityID), rec.Version, time.Now().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: idempotency token already used", domain.ErrIdempotencyMismatch)
		}
		return classify(err, "failed to store idempotency token")
	}
	return nil
}
