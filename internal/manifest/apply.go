package manifest

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/zjrosen/fleetreg/internal/controlplane"
	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// ManifestActor is recorded for writes made while applying a manifest.
const ManifestActor = "manifest"

// Result counts what Apply did.
type Result struct {
	Registered   int
	Updated      int
	Unchanged    int
	EdgesAdded   int
	EdgesUpdated int
}

// Apply reconciles the registry with plan: missing entities are registered,
// present ones get their capabilities, metadata and interval brought in
// line, and missing or changed edges are written. Nothing is removed.
func Apply(ctx context.Context, reg controlplane.Registry, plan *Plan) (Result, error) {
	ctx = controlplane.WithActor(ctx, ManifestActor)
	var res Result
	ids := make(map[Ref]domain.EntityID, len(plan.Entities))

	for _, want := range plan.Entities {
		id, changed, created, err := reconcileEntity(ctx, reg, want)
		if err != nil {
			return res, fmt.Errorf("applying %s: %w", want.Ref, err)
		}
		ids[want.Ref] = id
		switch {
		case created:
			res.Registered++
		case changed:
			res.Updated++
		default:
			res.Unchanged++
		}
	}

	for _, edge := range plan.Edges {
		dependent, dependency := ids[edge.Dependent], ids[edge.Dependency]
		existing, err := reg.ListDependencies(ctx, dependent)
		if err != nil {
			return res, fmt.Errorf("listing dependencies of %s: %w", edge.Dependent, err)
		}
		idx := slices.IndexFunc(existing, func(e domain.DependencyEdge) bool { return e.DependencyID == dependency })
		if idx >= 0 && existing[idx].Criticality == edge.Criticality {
			continue
		}
		err = reg.AddDependency(ctx, domain.DependencyEdge{
			DependentID:  dependent,
			DependencyID: dependency,
			Criticality:  edge.Criticality,
		})
		if err != nil {
			return res, fmt.Errorf("adding %s -> %s: %w", edge.Dependent, edge.Dependency, err)
		}
		if idx >= 0 {
			res.EdgesUpdated++
		} else {
			res.EdgesAdded++
		}
	}

	log.Info(log.CatManifest, "manifest applied",
		"registered", res.Registered,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"edges_added", res.EdgesAdded,
		"edges_updated", res.EdgesUpdated)
	return res, nil
}

func reconcileEntity(ctx context.Context, reg controlplane.Registry, want Entity) (id domain.EntityID, changed, created bool, err error) {
	cur, err := reg.FindByName(ctx, want.Type, want.Name)
	if errors.Is(err, domain.ErrNotFound) {
		id, _, err = reg.Register(ctx, want.Request)
		return id, true, err == nil, err
	}
	if err != nil {
		return "", false, false, err
	}

	patch := diffPatch(cur, want.Request)
	if patch.IsEmpty() {
		return cur.ID, false, false, nil
	}
	if _, err := reg.Update(ctx, cur.ID, cur.Version, patch); err != nil {
		return "", false, false, err
	}
	return cur.ID, true, false, nil
}

// diffPatch builds the smallest patch that makes cur match req. Metadata
// keys absent from req are kept.
func diffPatch(cur *domain.Entity, req domain.RegisterRequest) domain.Patch {
	var p domain.Patch
	if caps := domain.NormalizeCapabilities(req.Capabilities); !slices.Equal(caps, cur.Capabilities) {
		p.Capabilities = &caps
	}
	for k, v := range req.Metadata {
		if old, ok := cur.Metadata[k]; !ok || !old.Equal(v) {
			if p.Metadata == nil {
				p.Metadata = domain.Metadata{}
			}
			p.Metadata[k] = v
		}
	}
	if req.HeartbeatInterval > 0 && req.HeartbeatInterval != cur.HeartbeatInterval {
		d := req.HeartbeatInterval
		p.HeartbeatInterval = &d
	}
	return p
}
