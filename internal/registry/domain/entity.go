package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// DefaultHeartbeatInterval applies when an entity does not declare one.
const DefaultHeartbeatInterval = 30 * time.Second

// InitialHealthScore is assigned at registration, before any heartbeat.
const InitialHealthScore = 0

// Entity is the universal registry record.
type Entity struct {
	ID                EntityID   `json:"id"`
	Type              EntityType `json:"entity_type"`
	Name              string     `json:"name"`
	Capabilities      []string   `json:"capabilities"`
	Status            Status     `json:"status"`
	HealthScore       int        `json:"health_score"`
	Metadata          Metadata   `json:"metadata"`
	HeartbeatInterval Duration   `json:"heartbeat_interval"`
	LastHeartbeatAt   *time.Time `json:"last_heartbeat_at,omitempty"`
	RegisteredAt      time.Time  `json:"registered_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Version           int64      `json:"version"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Capabilities = slices.Clone(e.Capabilities)
	out.Metadata = e.Metadata.Clone()
	if e.LastHeartbeatAt != nil {
		t := *e.LastHeartbeatAt
		out.LastHeartbeatAt = &t
	}
	return &out
}

// IsLive reports whether the entity still participates in discovery.
func (e *Entity) IsLive() bool {
	return !e.Status.IsTerminal()
}

// HasCapability reports whether capability is in the entity's set.
func (e *Entity) HasCapability(capability string) bool {
	_, found := slices.BinarySearch(e.Capabilities, capability)
	return found
}

// DivisionID returns the owning division id from metadata. A Division entity
// is its own division.
func (e *Entity) DivisionID() string {
	if e.Type == TypeDivision {
		return string(e.ID)
	}
	return e.Metadata.GetString(MetaDivisionID)
}

// DepartmentID returns the owning department id from metadata. A Department
// entity is its own department.
func (e *Entity) DepartmentID() string {
	if e.Type == TypeDepartment {
		return string(e.ID)
	}
	return e.Metadata.GetString(MetaDepartmentID)
}

// Interval returns the declared heartbeat interval or the default.
func (e *Entity) Interval() time.Duration {
	if e.HeartbeatInterval <= 0 {
		return DefaultHeartbeatInterval
	}
	return time.Duration(e.HeartbeatInterval)
}

// LivenessReference is the time the liveness clock started: the last
// heartbeat, or registration when the entity never heartbeated.
func (e *Entity) LivenessReference() time.Time {
	if e.LastHeartbeatAt != nil {
		return *e.LastHeartbeatAt
	}
	return e.RegisteredAt
}

// NormalizeCapabilities trims, drops empties, deduplicates and sorts.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// RegisterRequest carries everything Register needs.
type RegisterRequest struct {
	Type              EntityType `json:"entity_type"`
	Name              string     `json:"name"`
	Capabilities      []string   `json:"capabilities,omitempty"`
	Metadata          Metadata   `json:"metadata,omitempty"`
	HeartbeatInterval Duration   `json:"heartbeat_interval,omitempty"`

	// IdempotencyToken makes retries of the same request safe.
	IdempotencyToken string `json:"idempotency_token,omitempty"`
	Actor            string `json:"actor,omitempty"`
}

// Validate checks the request and normalizes capabilities in place.
func (r *RegisterRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidArgument, r.Type)
	}
	if r.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: heartbeat interval must not be negative", ErrInvalidArgument)
	}
	r.Capabilities = NormalizeCapabilities(r.Capabilities)
	if r.Metadata == nil {
		r.Metadata = Metadata{}
	}
	return nil
}

// Fingerprint identifies the request content, ignoring the token and actor.
func (r *RegisterRequest) Fingerprint() string {
	body, _ := json.Marshal(struct {
		Type     EntityType `json:"t"`
		Name     string     `json:"n"`
		Caps     []string   `json:"c"`
		Meta     Metadata   `json:"m"`
		Interval Duration   `json:"i"`
	}{r.Type, r.Name, NormalizeCapabilities(r.Capabilities), r.Metadata, r.HeartbeatInterval})
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Patch is a partial update. Nil fields are left unchanged. Status and
// HealthScore exist only so that attempts to set them can be rejected.
type Patch struct {
	Name              *string   `json:"name,omitempty"`
	Capabilities      *[]string `json:"capabilities,omitempty"`
	Metadata          Metadata  `json:"metadata,omitempty"`
	HeartbeatInterval *Duration `json:"heartbeat_interval,omitempty"`

	Status      *Status `json:"status,omitempty"`
	HealthScore *int    `json:"health_score,omitempty"`
}

// Validate rejects patches that touch monitor-owned fields.
func (p Patch) Validate() error {
	if p.Status != nil || p.HealthScore != nil {
		return fmt.Errorf("%w: status and health_score are managed by the health monitor", ErrInvalidArgument)
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidArgument)
	}
	if p.HeartbeatInterval != nil && *p.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: heartbeat interval must not be negative", ErrInvalidArgument)
	}
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Capabilities == nil && len(p.Metadata) == 0 && p.HeartbeatInterval == nil
}

// Apply returns a copy of e with the patch applied. Version and timestamps
// are the caller's responsibility.
func (p Patch) Apply(e *Entity) *Entity {
	out := e.Clone()
	if p.Name != nil {
		out.Name = strings.TrimSpace(*p.Name)
	}
	if p.Capabilities != nil {
		out.Capabilities = NormalizeCapabilities(*p.Capabilities)
	}
	if len(p.Metadata) > 0 {
		out.Metadata = out.Metadata.Merge(p.Metadata)
	}
	if p.HeartbeatInterval != nil {
		out.HeartbeatInterval = *p.HeartbeatInterval
	}
	return out
}

// EntityFilter selects entities for listing and discovery. Zero fields match
// everything; deregistered entities are excluded unless asked for.
type EntityFilter struct {
	Types               []EntityType
	Statuses            []Status
	Capability          string
	DivisionID          string
	DepartmentID        string
	IncludeDeregistered bool
}

// Matches reports whether e satisfies every set criterion.
func (f EntityFilter) Matches(e *Entity) bool {
	if e == nil {
		return false
	}
	if !f.IncludeDeregistered && !e.IsLive() {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	if f.Capability != "" && !e.HasCapability(f.Capability) {
		return false
	}
	if f.DivisionID != "" && e.DivisionID() != f.DivisionID {
		return false
	}
	if f.DepartmentID != "" && e.DepartmentID() != f.DepartmentID {
		return false
	}
	return true
}
