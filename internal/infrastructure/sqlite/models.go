package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// EntityModel represents a row of the entities table.
// Time values are Unix milliseconds.
type EntityModel struct {
	ID                  string
	EntityType          string
	Name                string
	Capabilities        string // JSON array
	Status              string
	HealthScore         int
	Metadata            string // JSON object
	HeartbeatIntervalMS int64
	LastHeartbeatAt     *int64 // nullable
	RegisteredAt        int64
	UpdatedAt           int64
	Version             int64
}

func toEntityModel(e *domain.Entity) (*EntityModel, error) {
	caps := e.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode capabilities: %w", err)
	}
	md := e.Metadata
	if md == nil {
		md = domain.Metadata{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	m := &EntityModel{
		ID:                  string(e.ID),
		EntityType:          string(e.Type),
		Name:                e.Name,
		Capabilities:        string(capsJSON),
		Status:              string(e.Status),
		HealthScore:         e.HealthScore,
		Metadata:            string(mdJSON),
		HeartbeatIntervalMS: e.Interval().Milliseconds(),
		RegisteredAt:        e.RegisteredAt.UnixMilli(),
		UpdatedAt:           e.UpdatedAt.UnixMilli(),
		Version:             e.Version,
	}
	if e.LastHeartbeatAt != nil {
		ts := e.LastHeartbeatAt.UnixMilli()
		m.LastHeartbeatAt = &ts
	}
	return m, nil
}

func (m *EntityModel) toDomain() (*domain.Entity, error) {
	e := &domain.Entity{
		ID:                domain.EntityID(m.ID),
		Type:              domain.EntityType(m.EntityType),
		Name:              m.Name,
		Status:            domain.Status(m.Status),
		HealthScore:       m.HealthScore,
		HeartbeatInterval: domain.Duration(time.Duration(m.HeartbeatIntervalMS) * time.Millisecond),
		RegisteredAt:      fromMillis(m.RegisteredAt),
		UpdatedAt:         fromMillis(m.UpdatedAt),
		Version:           m.Version,
	}
	if err := json.Unmarshal([]byte(m.Capabilities), &e.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities of %s: %w", m.ID, err)
	}
	e.Capabilities = domain.NormalizeCapabilities(e.Capabilities)
	e.Metadata = domain.Metadata{}
	if err := json.Unmarshal([]byte(m.Metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of %s: %w", m.ID, err)
	}
	if m.LastHeartbeatAt != nil {
		t := fromMillis(*m.LastHeartbeatAt)
		e.LastHeartbeatAt = &t
	}
	return e, nil
}

// AuditModel represents a row of the audit_log table.
type AuditModel struct {
	ID        int64
	EntityID  string
	Action    string
	Actor     string
	Before    *string // JSON snapshot, nullable
	After     *string // JSON snapshot, nullable
	Diff      *string // nullable
	CreatedAt int64
}

func toAuditModel(r *domain.AuditRecord) (*AuditModel, error) {
	m := &AuditModel{
		EntityID:  string(r.EntityID),
		Action:    string(r.Action),
		Actor:     r.Actor,
		CreatedAt: r.Timestamp.UnixMilli(),
	}
	var err error
	if m.Before, err = snapshotJSON(r.Before); err != nil {
		return nil, err
	}
	if m.After, err = snapshotJSON(r.After); err != nil {
		return nil, err
	}
	if r.Diff != "" {
		d := r.Diff
		m.Diff = &d
	}
	return m, nil
}

func (m *AuditModel) toDomain() (domain.AuditRecord, error) {
	r := domain.AuditRecord{
		ID:        m.ID,
		EntityID:  domain.EntityID(m.EntityID),
		Action:    domain.AuditAction(m.Action),
		Actor:     m.Actor,
		Timestamp: fromMillis(m.CreatedAt),
	}
	if m.Diff != nil {
		r.Diff = *m.Diff
	}
	var err error
	if r.Before, err = parseSnapshot(m.Before); err != nil {
		return r, err
	}
	if r.After, err = parseSnapshot(m.After); err != nil {
		return r, err
	}
	return r, nil
}

func snapshotJSON(e *domain.Entity) (*string, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	s := string(b)
	return &s, nil
}

func parseSnapshot(s *string) (*domain.Entity, error) {
	if s == nil {
		return nil, nil
	}
	var e domain.Entity
	if err := json.Unmarshal([]byte(*s), &e); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &e, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
