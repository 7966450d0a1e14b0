// Package domain defines the registry's core types: entities, their
// lifecycle states, dependency edges, audit records and change events.
package domain

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// EntityID uniquely identifies a registered entity. It is generated at
// registration time and never changes.
type EntityID string

// NewEntityID generates a new unique EntityID using UUID v4.
func NewEntityID() EntityID {
	return EntityID(uuid.New().String())
}

// String returns the string representation of the EntityID.
func (id EntityID) String() string {
	return string(id)
}

// IsValid returns true if the EntityID is a valid UUID.
func (id EntityID) IsValid() bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}

// EntityType is the kind of component an entity represents.
type EntityType string

const (
	TypeAgent      EntityType = "agent"
	TypeLeader     EntityType = "leader"
	TypeDepartment EntityType = "department"
	TypeDivision   EntityType = "division"
	TypeDatabase   EntityType = "database"
	TypeServer     EntityType = "server"
)

// EntityTypes lists every known entity type in display order.
var EntityTypes = []EntityType{TypeAgent, TypeLeader, TypeDepartment, TypeDivision, TypeDatabase, TypeServer}

// ParseEntityType accepts any casing ("Server", "server").
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// IsValid returns true if this is a recognized EntityType value.
func (t EntityType) IsValid() bool {
	return slices.Contains(EntityTypes, t)
}

// Status is the lifecycle state of an entity.
// Valid transitions:
//
//	Starting     -> Online, Degraded, Offline, Deregistered
//	Online       -> Degraded, Offline, Deregistered
//	Degraded     -> Online, Offline, Deregistered
//	Offline      -> Online, Degraded, Deregistered
//	Deregistered -> (terminal)
type Status string

const (
	StatusStarting     Status = "starting"
	StatusOnline       Status = "online"
	StatusDegraded     Status = "degraded"
	StatusOffline      Status = "offline"
	StatusDeregistered Status = "deregistered"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusStarting, StatusOnline, StatusDegraded, StatusOffline, StatusDeregistered}

var validTransitions = map[Status]map[Status]bool{
	StatusStarting: {
		StatusOnline:       true,
		StatusDegraded:     true,
		StatusOffline:      true,
		StatusDeregistered: true,
	},
	StatusOnline: {
		StatusDegraded:     true,
		StatusOffline:      true,
		StatusDeregistered: true,
	},
	StatusDegraded: {
		StatusOnline:       true,
		StatusOffline:      true,
		StatusDeregistered: true,
	},
	StatusOffline: {
		StatusOnline:       true,
		StatusDegraded:     true,
		StatusDeregistered: true,
	},
	StatusDeregistered: {},
}

// ParseStatus accepts any casing.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, s)
	}
	return st, nil
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether no further mutation is accepted.
func (s Status) IsTerminal() bool {
	return s == StatusDeregistered
}

// CanTransitionTo returns true if moving from s to target is allowed.
// Staying in the same non-terminal state is always allowed.
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return !s.IsTerminal()
	}
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// Criticality classifies a dependency edge.
type Criticality string

const (
	// CriticalityHard caps the dependent at degraded while the dependency is offline.
	CriticalityHard Criticality = "hard"
	// CriticalitySoft only lowers the dependent's score.
	CriticalitySoft Criticality = "soft"
)

// ParseCriticality accepts any casing.
func ParseCriticality(s string) (Criticality, error) {
	c := Criticality(strings.ToLower(strings.TrimSpace(s)))
	if c != CriticalityHard && c != CriticalitySoft {
		return "", fmt.Errorf("%w: unknown criticality %q", ErrInvalidArgument, s)
	}
	return c, nil
}
