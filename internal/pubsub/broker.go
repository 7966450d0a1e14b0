package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// Subscription is a single subscriber's bounded queue.
// When the queue is full the oldest queued event is discarded to make room
// and Dropped is incremented.
type Subscription[T any] struct {
	ch      chan Event[T]
	filter  func(T) bool
	mu      sync.Mutex // serializes sends so queue order matches publish order
	dropped atomic.Uint64
	closed  bool
}

// Events returns the receive side of the subscription queue.
// The channel is closed when the subscription ends.
func (s *Subscription[T]) Events() <-chan Event[T] {
	return s.ch
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription[T]) send(event Event[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		// Full: evict the oldest entry. The consumer may have drained it
		// concurrently, in which case the next send attempt succeeds.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Broker is a generic pub/sub event broker.
// It allows multiple subscribers to receive events published by publishers.
type Broker[T any] struct {
	subs       map[*Subscription[T]]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a new broker with the default buffer size (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a new broker with a custom buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Broker[T]{
		subs:       make(map[*Subscription[T]]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel using the broker buffer size.
// The channel is automatically closed when ctx is cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	return b.SubscribeFiltered(ctx, b.bufferSize, nil).Events()
}

// SubscribeFiltered creates a subscription with its own queue size. Only
// payloads for which filter returns true are queued; a nil filter accepts all.
// The subscription is closed when ctx is cancelled or the broker closes.
func (b *Broker[T]) SubscribeFiltered(ctx context.Context, size int, filter func(T) bool) *Subscription[T] {
	if size <= 0 {
		size = b.bufferSize
	}
	sub := &Subscription[T]{
		ch:     make(chan Event[T], size),
		filter: filter,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		sub.close()
		return sub
	default:
	}

	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subs[sub]; !ok {
			return
		}
		delete(b.subs, sub)
		sub.close()
	}()

	return sub
}

// Publish sends an event to all subscribers.
// Never blocks: a full subscriber queue loses its oldest event.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(payload) {
			continue
		}
		sub.send(event)
	}
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		sub.close()
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
