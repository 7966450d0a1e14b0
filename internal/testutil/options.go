package testutil

import (
	"time"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// EntityOption configures an entity during builder setup.
type EntityOption func(*domain.Entity)

// defaultEntity returns an entity with sensible defaults.
func defaultEntity(typ domain.EntityType, name string, now time.Time) *domain.Entity {
	return &domain.Entity{
		ID:                domain.NewEntityID(),
		Type:              typ,
		Name:              name,
		Capabilities:      []string{},
		Status:            domain.StatusStarting,
		HealthScore:       domain.InitialHealthScore,
		Metadata:          domain.Metadata{},
		HeartbeatInterval: domain.Duration(10 * time.Second),
		RegisteredAt:      now,
		UpdatedAt:         now,
		Version:           1,
	}
}

// Capabilities sets the capability set.
func Capabilities(caps ...string) EntityOption {
	return func(e *domain.Entity) { e.Capabilities = domain.NormalizeCapabilities(caps) }
}

// Status sets the status.
func Status(s domain.Status) EntityOption {
	return func(e *domain.Entity) { e.Status = s }
}

// Score sets the health score.
func Score(score int) EntityOption {
	return func(e *domain.Entity) { e.HealthScore = score }
}

// Interval sets the heartbeat interval.
func Interval(d time.Duration) EntityOption {
	return func(e *domain.Entity) { e.HeartbeatInterval = domain.Duration(d) }
}

// LastHeartbeat sets the last heartbeat time.
func LastHeartbeat(t time.Time) EntityOption {
	return func(e *domain.Entity) {
		t = t.UTC().Truncate(time.Millisecond)
		e.LastHeartbeatAt = &t
	}
}

// Online marks the entity online with a full score and a heartbeat at t.
func Online(t time.Time) EntityOption {
	return func(e *domain.Entity) {
		LastHeartbeat(t)(e)
		e.Status, e.HealthScore = domain.StatusOnline, 100
	}
}

// Meta sets one metadata key.
func Meta(key string, v domain.Value) EntityOption {
	return func(e *domain.Entity) { e.Metadata[key] = v }
}

// Division places the entity in a division.
func Division(id domain.EntityID) EntityOption {
	return Meta(domain.MetaDivisionID, domain.String(string(id)))
}

// Department places the entity in a department.
func Department(id domain.EntityID) EntityOption {
	return Meta(domain.MetaDepartmentID, domain.String(string(id)))
}

// RegisteredAt sets the registration (and update) time.
func RegisteredAt(t time.Time) EntityOption {
	return func(e *domain.Entity) {
		t = t.UTC().Truncate(time.Millisecond)
		e.RegisteredAt, e.UpdatedAt = t, t
	}
}
