package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a registry change broadcast to subscribers.
type EventType string

const (
	EventRegistered    EventType = "registered"
	EventUpdated       EventType = "updated"
	EventHealthChanged EventType = "health_changed"
	EventDeregistered  EventType = "deregistered"
	EventRecovered     EventType = "recovered"
)

// EventTypes lists every event type.
var EventTypes = []EventType{EventRegistered, EventUpdated, EventHealthChanged, EventDeregistered, EventRecovered}

// Event is the envelope delivered to subscribers. Delivery is at-most-once:
// a subscriber that reconnects must resynchronize through discovery.
type Event struct {
	ID        string    `json:"event_id"`
	Type      EventType `json:"event_type"`
	// Seq increases with every published event, so a subscriber can order
	// what it receives across entities.
	Seq       uint64    `json:"seq"`
	Entity    Entity    `json:"entity_snapshot"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an envelope around a snapshot of e, stamped with the
// time of the write that produced it.
func NewEvent(t EventType, e *Entity) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Entity:    *e.Clone(),
		Timestamp: e.UpdatedAt.UTC(),
	}
}
