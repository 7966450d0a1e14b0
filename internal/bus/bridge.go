package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/zjrosen/fleetreg/internal/controlplane"
	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/pubsub"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// BusActor is recorded for heartbeats that arrive over the bus.
const BusActor = "nats-bridge"

// EventSource feeds registry events to the bridge. *cache.Cache satisfies it.
type EventSource interface {
	Subscribe(ctx context.Context, size int, filter func(domain.Event) bool) *pubsub.Subscription[domain.Event]
}

// Heartbeater accepts heartbeats. controlplane.Registry satisfies it.
type Heartbeater interface {
	Heartbeat(ctx context.Context, id domain.EntityID) (domain.Status, int, error)
}

// Bridge publishes registry events to the bus and turns bus heartbeats into
// registry heartbeats.
type Bridge struct {
	conn   Conn
	prefix string
	events EventSource
	hb     Heartbeater

	wg          sync.WaitGroup
	unsubscribe func() error
}

// NewBridge creates a bridge. prefix defaults to "fleetreg".
func NewBridge(conn Conn, prefix string, events EventSource, hb Heartbeater) *Bridge {
	if prefix == "" {
		prefix = DefaultConfig().Prefix
	}
	return &Bridge{conn: conn, prefix: prefix, events: events, hb: hb}
}

// EventSubject is where an event is published:
// <prefix>.events.<entity_type>.<event_type>.
func (b *Bridge) EventSubject(ev domain.Event) string {
	return fmt.Sprintf("%s.events.%s.%s", b.prefix, ev.Entity.Type, ev.Type)
}

// HeartbeatSubject is where an agent sends heartbeats for id.
func (b *Bridge) HeartbeatSubject(id domain.EntityID) string {
	return b.prefix + ".heartbeat." + string(id)
}

// SummarySubject is where health summaries are published.
func (b *Bridge) SummarySubject() string {
	return b.prefix + ".summary"
}

// Start begins forwarding until ctx is cancelled. Call Wait to block until
// the forwarding loop has exited.
func (b *Bridge) Start(ctx context.Context) error {
	unsub, err := b.conn.Subscribe(b.prefix+".heartbeat.*", func(subject string, _ []byte) {
		b.onHeartbeat(ctx, subject)
	})
	if err != nil {
		return fmt.Errorf("subscribing to heartbeats: %w", err)
	}
	b.unsubscribe = unsub

	sub := b.events.Subscribe(ctx, 0, nil)
	b.wg.Add(1)
	log.SafeGo("nats-bridge", func() {
		defer b.wg.Done()
		for ev := range sub.Events() {
			b.forward(ev.Payload)
		}
		if n := sub.Dropped(); n > 0 {
			log.Warn(log.CatBus, "events dropped before reaching the bus", "count", n)
		}
	})
	log.Info(log.CatBus, "bridge started", "prefix", b.prefix)
	return nil
}

// Wait blocks until the forwarding loop exits, then drops the heartbeat
// subscription.
func (b *Bridge) Wait() {
	b.wg.Wait()
	if b.unsubscribe != nil {
		if err := b.unsubscribe(); err != nil {
			log.Debug(log.CatBus, "unsubscribe failed", "error", err)
		}
	}
}

func (b *Bridge) forward(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.ErrorErr(log.CatBus, "encoding event", err, "event_id", ev.ID)
		return
	}
	if err := b.conn.Publish(b.EventSubject(ev), data); err != nil {
		log.Warn(log.CatBus, "publish failed", "subject", b.EventSubject(ev), "error", err)
	}
}

func (b *Bridge) onHeartbeat(ctx context.Context, subject string) {
	id := domain.EntityID(strings.TrimPrefix(subject, b.prefix+".heartbeat."))
	if !id.IsValid() {
		log.Debug(log.CatBus, "ignoring heartbeat for malformed id", "subject", subject)
		return
	}
	ctx = controlplane.WithActor(ctx, BusActor)
	if _, _, err := b.hb.Heartbeat(ctx, id); err != nil {
		log.Warn(log.CatBus, "heartbeat rejected", "id", id, "error", err)
	}
}

// PublishSummary sends any JSON-encodable summary to SummarySubject.
func (b *Bridge) PublishSummary(summary any) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return b.conn.Publish(b.SummarySubject(), data)
}
