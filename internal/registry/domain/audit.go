package domain

import "time"

// AuditAction names what happened to an entity.
type AuditAction string

const (
	ActionRegister         AuditAction = "register"
	ActionUpdate           AuditAction = "update"
	ActionHeartbeat        AuditAction = "heartbeat"
	ActionDeregister       AuditAction = "deregister"
	ActionHealthChange     AuditAction = "health_change"
	ActionDependencyAdd    AuditAction = "dependency_add"
	ActionDependencyRemove AuditAction = "dependency_remove"
)

// SystemActor is recorded when the registry acts on its own behalf.
const SystemActor = "system"

// HealthMonitorActor is recorded for writes made by the health sweep.
const HealthMonitorActor = "health-monitor"

// AuditRecord is an immutable audit log entry.
type AuditRecord struct {
	ID        int64       `json:"id"`
	EntityID  EntityID    `json:"entity_id"`
	Action    AuditAction `json:"action"`
	Actor     string      `json:"actor"`
	Before    *Entity     `json:"before,omitempty"`
	After     *Entity     `json:"after,omitempty"`
	Diff      string      `json:"diff,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// AuditQuery pages through one entity's audit trail in ascending id order.
type AuditQuery struct {
	EntityID EntityID
	// Since excludes records older than this time when non-zero.
	Since time.Time
	// After is the cursor: only records with ID > After are returned.
	After int64
	Limit int
}

// DefaultAuditPageSize is used when AuditQuery.Limit is zero.
const DefaultAuditPageSize = 100

// MaxAuditPageSize caps AuditQuery.Limit.
const MaxAuditPageSize = 1000

// AuditPage is one page of audit records.
type AuditPage struct {
	Records []AuditRecord `json:"records"`
	// NextCursor is zero when there are no more records.
	NextCursor int64 `json:"next_cursor,omitempty"`
}

// EffectiveLimit clamps the requested page size.
func (q AuditQuery) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultAuditPageSize
	case q.Limit > MaxAuditPageSize:
		return MaxAuditPageSize
	default:
		return q.Limit
	}
}
