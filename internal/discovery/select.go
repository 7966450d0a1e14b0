package discovery

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// Strategy chooses one entity among equally eligible candidates.
type Strategy string

const (
	RoundRobin        Strategy = "round-robin"
	LeastRecentlyUsed Strategy = "least-recently-used"
	Random            Strategy = "random"
	DefaultStrategy            = RoundRobin
)

// ParseStrategy accepts the strategy names plus "rr" and "lru".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round-robin", "rr":
		return RoundRobin, nil
	case "least-recently-used", "lru":
		return LeastRecentlyUsed, nil
	case "random":
		return Random, nil
	default:
		return "", fmt.Errorf("%w: unknown selection strategy %q", domain.ErrInvalidArgument, s)
	}
}

// Selection is the outcome of SelectOne.
type Selection struct {
	Entity *domain.Entity `json:"entity"`
	// Degraded is set when no online entity matched and a degraded one was
	// returned instead.
	Degraded bool `json:"degraded,omitempty"`
	Stale    bool `json:"stale,omitempty"`
}

// selector keeps the per-capability round-robin cursor and the last time
// each entity was handed out.
type selector struct {
	mu       sync.Mutex
	cursor   map[string]uint64
	lastUsed map[domain.EntityID]time.Time
}

func newSelector() *selector {
	return &selector{
		cursor:   make(map[string]uint64),
		lastUsed: make(map[domain.EntityID]time.Time),
	}
}

func (s *selector) pick(capability string, strategy Strategy, candidates []*domain.Entity, now time.Time) *domain.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chosen *domain.Entity
	switch strategy {
	case LeastRecentlyUsed:
		for _, c := range candidates {
			if chosen == nil || s.lastUsed[c.ID].Before(s.lastUsed[chosen.ID]) {
				chosen = c
			}
		}
	case Random:
		chosen = candidates[rand.IntN(len(candidates))]
	default:
		n := s.cursor[capability]
		chosen = candidates[n%uint64(len(candidates))]
		s.cursor[capability] = n + 1
	}
	s.lastUsed[chosen.ID] = now
	return chosen
}

// forget drops bookkeeping for entities that are no longer candidates.
func (s *selector) forget(live map[domain.EntityID]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.lastUsed {
		if !live[id] {
			delete(s.lastUsed, id)
		}
	}
}

// SelectOne picks one entity offering capability. Online entities are
// preferred; when none is online a degraded one is returned and tagged.
// Offline and starting entities are never selected. Returns ErrNotFound when
// nothing qualifies.
func (e *Engine) SelectOne(ctx context.Context, capability string, strategy Strategy) (Selection, error) {
	if strategy == "" {
		strategy = e.strategy
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return Selection{}, err
	}

	res, err := e.FindByCapability(ctx, capability, domain.StatusOnline, domain.StatusDegraded)
	if err != nil {
		return Selection{}, err
	}

	var online, degraded []*domain.Entity
	live := make(map[domain.EntityID]bool, len(res.Entities))
	for _, ent := range res.Entities {
		live[ent.ID] = true
		if ent.Status == domain.StatusOnline {
			online = append(online, ent)
		} else {
			degraded = append(degraded, ent)
		}
	}
	e.selector.forget(live)

	candidates, isDegraded := online, false
	if len(candidates) == 0 {
		candidates, isDegraded = degraded, true
	}
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("no healthy entity offers %q: %w", capability, domain.ErrNotFound)
	}

	chosen := e.selector.pick(capability, strategy, candidates, e.clock())
	return Selection{Entity: chosen, Degraded: isDegraded, Stale: res.Stale}, nil
}
