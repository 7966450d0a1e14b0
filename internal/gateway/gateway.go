// Package gateway delivers registry change events to long-lived subscribers
// over websockets. Each subscriber owns a bounded queue; when it falls behind
// the oldest events are dropped and the count is reported in every envelope.
// Delivery is at-most-once and a reconnecting client resynchronizes through
// discovery.
package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/pubsub"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// Source is the event feed the gateway fans out. *cache.Cache satisfies it.
type Source interface {
	Subscribe(ctx context.Context, size int, filter func(domain.Event) bool) *pubsub.Subscription[domain.Event]
}

// Config controls queueing and connection keepalive.
type Config struct {
	// QueueSize is the per-subscriber queue length.
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	// ReadTimeout must exceed PingInterval; a client that stops answering
	// pings is disconnected after it.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

// Envelope is one delivered event.
type Envelope struct {
	domain.Event
	// EventsDropped is the subscriber's running count of events discarded
	// because its queue was full.
	EventsDropped uint64 `json:"events_dropped"`
}

// Subscriber is one consumer's filtered, bounded view of the event feed.
type Subscriber struct {
	ID        string
	Filter    Filter
	CreatedAt time.Time
	sub       *pubsub.Subscription[domain.Event]
	cancel    context.CancelFunc

	mu      sync.Mutex
	lastID  string
	lastSeq uint64
}

// Subscription describes an open subscriber.
type Subscription struct {
	ID                   string    `json:"subscriber_id"`
	Filter               Filter    `json:"topic_filter"`
	CreatedAt            time.Time `json:"created_at"`
	LastDeliveredEventID string    `json:"last_delivered_event_id,omitempty"`
	LastDeliveredSeq     uint64    `json:"last_delivered_seq,omitempty"`
	EventsDropped        uint64    `json:"events_dropped"`
}

// Next blocks for the next envelope. ok is false once the subscription has
// ended.
func (s *Subscriber) Next(ctx context.Context) (env Envelope, ok bool) {
	select {
	case ev, open := <-s.sub.Events():
		if !open {
			return Envelope{}, false
		}
		s.mu.Lock()
		s.lastID, s.lastSeq = ev.Payload.ID, ev.Payload.Seq
		s.mu.Unlock()
		return Envelope{Event: ev.Payload, EventsDropped: s.sub.Dropped()}, true
	case <-ctx.Done():
		return Envelope{}, false
	}
}

// Info returns the subscriber's current state.
func (s *Subscriber) Info() Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Subscription{
		ID:                   s.ID,
		Filter:               s.Filter,
		CreatedAt:            s.CreatedAt,
		LastDeliveredEventID: s.lastID,
		LastDeliveredSeq:     s.lastSeq,
		EventsDropped:        s.sub.Dropped(),
	}
}

// Dropped returns how many events this subscriber has lost.
func (s *Subscriber) Dropped() uint64 {
	return s.sub.Dropped()
}

// Close ends the subscription.
func (s *Subscriber) Close() {
	s.cancel()
}

// Gateway manages subscribers.
type Gateway struct {
	cfg    Config
	source Source

	now  func() time.Time
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// New creates a Gateway over source.
func New(source Source, cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	return &Gateway{cfg: cfg, source: source, now: time.Now, subs: make(map[string]*Subscriber)}
}

// Subscribe opens a subscription that lives until ctx is cancelled or Close
// is called. Publishing never waits on the subscriber.
func (g *Gateway) Subscribe(ctx context.Context, filter Filter) *Subscriber {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscriber{
		ID:        uuid.New().String(),
		Filter:    filter,
		CreatedAt: g.now().UTC(),
		sub:       g.source.Subscribe(ctx, g.cfg.QueueSize, filter.Matches),
		cancel:    cancel,
	}

	g.mu.Lock()
	g.subs[s.ID] = s
	g.mu.Unlock()

	context.AfterFunc(ctx, func() {
		g.mu.Lock()
		delete(g.subs, s.ID)
		g.mu.Unlock()
		info := s.Info()
		log.Debug(log.CatGateway, "subscriber closed", "id", s.ID,
			"last_event", info.LastDeliveredEventID, "dropped", info.EventsDropped)
	})
	log.Debug(log.CatGateway, "subscriber opened", "id", s.ID)
	return s
}

// SubscriberCount returns the number of open subscriptions.
func (g *Gateway) SubscriberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Subscriptions lists open subscribers, oldest first.
func (g *Gateway) Subscriptions() []Subscription {
	g.mu.Lock()
	out := make([]Subscription, 0, len(g.subs))
	for _, s := range g.subs {
		out = append(out, s.Info())
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
