package domain

import (
	"fmt"
	"time"
)

// DependencyEdge says Dependent relies on Dependency.
type DependencyEdge struct {
	DependentID  EntityID    `json:"dependent_id"`
	DependencyID EntityID    `json:"dependency_id"`
	Criticality  Criticality `json:"criticality"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Validate checks ids and criticality. Existence is checked by the caller.
func (d DependencyEdge) Validate() error {
	if d.DependentID == "" || d.DependencyID == "" {
		return fmt.Errorf("%w: dependent_id and dependency_id are required", ErrInvalidArgument)
	}
	if d.DependentID == d.DependencyID {
		return fmt.Errorf("%w: %s cannot depend on itself", ErrCyclicDependency, d.DependentID)
	}
	if d.Criticality != CriticalityHard && d.Criticality != CriticalitySoft {
		return fmt.Errorf("%w: unknown criticality %q", ErrInvalidArgument, d.Criticality)
	}
	return nil
}

// Reaches reports whether to is reachable from from by following
// dependent -> dependency edges. next returns the direct dependencies of a
// node. Traversal is iterative and visits each node once.
func Reaches(from, to EntityID, next func(EntityID) ([]EntityID, error)) (bool, error) {
	if from == to {
		return true, nil
	}
	visited := map[EntityID]bool{from: true}
	stack := []EntityID{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := next(n)
		if err != nil {
			return false, err
		}
		for _, c := range children {
			if c == to {
				return true, nil
			}
			if !visited[c] {
				visited[c] = true
				stack = append(stack, c)
			}
		}
	}
	return false, nil
}
