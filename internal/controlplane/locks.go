package controlplane

import (
	"hash/fnv"
	"sync"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

const lockStripes = 256

// entityLocks serializes writes to the same entity from commit through event
// publication. Different entities usually land on different stripes.
type entityLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *entityLocks) lock(id domain.EntityID) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
