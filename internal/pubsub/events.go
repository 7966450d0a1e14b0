// Package pubsub provides a generic broker with bounded, drop-oldest
// subscriber queues.
package pubsub

import "time"

// EventType labels a published event. Publishers define their own values.
type EventType string

// Event is one published payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
