package discovery

import (
	"context"
	"time"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// Summary counts cached entities per type and status.
type Summary struct {
	GeneratedAt time.Time                                   `json:"generated_at"`
	Total       int                                         `json:"total"`
	ByStatus    map[domain.Status]int                       `json:"by_status"`
	ByType      map[domain.EntityType]map[domain.Status]int `json:"by_type"`
	Stale       bool                                        `json:"stale,omitempty"`
}

// Count returns the number of entities of type t in status s.
func (s Summary) Count(t domain.EntityType, st domain.Status) int {
	return s.ByType[t][st]
}

// Summary computes health counts from the cache, reloading it first when
// it is cold or expired. Deregistered entities are counted under their own
// status but excluded from Total.
func (e *Engine) Summary(ctx context.Context) (Summary, error) {
	stale, err := e.ensureFresh(ctx)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		GeneratedAt: e.clock().UTC(),
		ByStatus:    make(map[domain.Status]int, len(domain.Statuses)),
		ByType:      make(map[domain.EntityType]map[domain.Status]int, len(domain.EntityTypes)),
		Stale:       stale,
	}
	for _, t := range domain.EntityTypes {
		sum.ByType[t] = make(map[domain.Status]int, len(domain.Statuses))
	}

	for _, ent := range e.cache.Snapshot(ctx, domain.EntityFilter{IncludeDeregistered: true}) {
		sum.ByStatus[ent.Status]++
		sum.ByType[ent.Type][ent.Status]++
		if ent.IsLive() {
			sum.Total++
		}
	}
	return sum, nil
}
