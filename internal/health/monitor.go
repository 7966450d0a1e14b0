// Package health runs the periodic sweep that detects stale heartbeats,
// scores every live entity, cascades dependency failures and writes the
// results back through the registry's internal health path.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/fleetreg/internal/controlplane"
	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
	"github.com/zjrosen/fleetreg/internal/tracing"
)

// Config configures the Monitor.
type Config struct {
	// Interval is the sweep tick, independent of any entity's heartbeat interval.
	Interval time.Duration
	// Workers bounds concurrent per-entity writes within one sweep.
	Workers int
	// DeregisterAfter retires entities that stayed offline this long past
	// their timeout. Zero disables it.
	DeregisterAfter time.Duration
	Policy          domain.HealthPolicy
	Clock           func() time.Time
	Tracer          trace.Tracer
}

// DefaultConfig returns a 5s sweep with 8 workers and no grace deregistration.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Workers:  8,
		Policy:   domain.DefaultHealthPolicy(),
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Started      time.Time
	Duration     time.Duration
	Entities     int
	Changed      int
	Deregistered int
	Conflicts    int
	Failed       int
}

// Monitor owns the sweep loop.
type Monitor struct {
	writer controlplane.HealthWriter
	cfg    Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	last atomic.Pointer[SweepResult]
}

// New creates a Monitor writing through writer.
func New(writer controlplane.HealthWriter, cfg Config) (*Monitor, error) {
	if writer == nil {
		return nil, fmt.Errorf("health writer is required")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DeregisterAfter < 0 {
		return nil, fmt.Errorf("deregister_after must not be negative")
	}
	if cfg.Policy == (domain.HealthPolicy{}) {
		cfg.Policy = def.Policy
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Noop()
	}
	return &Monitor{writer: writer, cfg: cfg}, nil
}

// Start launches the sweep loop. It stops when ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	stopCh, doneCh := m.stopCh, m.doneCh
	log.SafeGo("health-sweep", func() { m.run(ctx, stopCh, doneCh) })
	log.Info(log.CatHealth, "health monitor started", "interval", m.cfg.Interval, "workers", m.cfg.Workers)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	doneCh := m.doneCh
	m.mu.Unlock()
	<-doneCh
}

// LastSweep returns the most recent sweep result, if any.
func (m *Monitor) LastSweep() (SweepResult, bool) {
	r := m.last.Load()
	if r == nil {
		return SweepResult{}, false
	}
	return *r, true
}

func (m *Monitor) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.ErrorErr(log.CatHealth, "sweep failed", err)
			}
		}
	}
}

// plan is the work decided for one entity.
type plan struct {
	entity     *domain.Entity
	assessment domain.Assessment
	deregister bool
}

// Sweep runs one pass over a snapshot of the registry. Failures on one
// entity are logged and counted; they never abort the sweep.
func (m *Monitor) Sweep(ctx context.Context) (res SweepResult, err error) {
	ctx, span := m.cfg.Tracer.Start(ctx, tracing.SpanSweep)
	defer func() {
		span.SetAttributes(
			attribute.Int(tracing.AttrSweepSize, res.Entities),
			attribute.Int(tracing.AttrSweepChanged, res.Changed),
			attribute.Int(tracing.AttrSweepFailed, res.Failed),
		)
		tracing.Finish(span, err)
	}()

	res.Started = m.cfg.Clock()
	entities, edges, err := m.writer.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot: %w", err)
	}

	plans := m.plan(entities, edges, res.Started.UTC())
	res.Entities = len(plans)

	var changed, deregistered, conflicts, failed atomic.Int64
	p := pool.New().WithMaxGoroutines(m.cfg.Workers)
	for _, pl := range plans {
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					log.Error(log.CatHealth, "sweep task panicked", "id", pl.entity.ID, "panic", fmt.Sprint(r))
				}
			}()

			wrote, err := m.apply(ctx, pl)
			switch {
			case err == nil && wrote && pl.deregister:
				deregistered.Add(1)
			case err == nil && wrote:
				changed.Add(1)
			case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrDeregistered):
				// The entity moved on since the snapshot; the next sweep sees the new state.
				conflicts.Add(1)
				log.Debug(log.CatHealth, "entity changed during sweep", "id", pl.entity.ID)
			case err != nil:
				failed.Add(1)
				log.ErrorErr(log.CatHealth, "health write failed", err, "id", pl.entity.ID)
			}
		})
	}
	p.Wait()

	res.Changed = int(changed.Load())
	res.Deregistered = int(deregistered.Load())
	res.Conflicts = int(conflicts.Load())
	res.Failed = int(failed.Load())
	res.Duration = m.cfg.Clock().Sub(res.Started)
	m.last.Store(&res)

	if res.Changed > 0 || res.Deregistered > 0 || res.Failed > 0 {
		log.Info(log.CatHealth, "sweep complete",
			"entities", res.Entities, "changed", res.Changed, "deregistered", res.Deregistered,
			"conflicts", res.Conflicts, "failed", res.Failed)
	}
	return res, nil
}

// plan assesses every live entity. Statuses are computed in two passes so
// a dependency that times out in this sweep already counts for its
// dependents: cascades only ever depend on a dependency being offline, and
// offline comes from the dependency's own heartbeat alone.
func (m *Monitor) plan(entities []*domain.Entity, edges []domain.DependencyEdge, now time.Time) []plan {
	own := make(map[domain.EntityID]domain.Status, len(entities))
	for _, e := range entities {
		if e.IsLive() {
			own[e.ID] = m.assess(e, now, nil).Status
		} else {
			own[e.ID] = e.Status
		}
	}

	depsOf := make(map[domain.EntityID][]domain.DependencyHealth)
	for _, edge := range edges {
		status, ok := own[edge.DependencyID]
		if !ok {
			continue
		}
		depsOf[edge.DependentID] = append(depsOf[edge.DependentID], domain.DependencyHealth{
			DependencyID: edge.DependencyID,
			Criticality:  edge.Criticality,
			Status:       status,
		})
	}

	plans := make([]plan, 0, len(entities))
	for _, e := range entities {
		if !e.IsLive() {
			continue
		}
		pl := plan{entity: e, assessment: m.assess(e, now, depsOf[e.ID])}
		if m.graceExpired(e, now) {
			pl.deregister = true
		}
		plans = append(plans, pl)
	}
	return plans
}

// assess is the sweep's view of e. Only a heartbeat takes an entity out of
// offline, so a stored offline status holds even when a longer interval
// makes its last heartbeat look recent again.
func (m *Monitor) assess(e *domain.Entity, now time.Time, deps []domain.DependencyHealth) domain.Assessment {
	a := m.cfg.Policy.Assess(e, now, deps)
	if e.Status == domain.StatusOffline {
		a.Status, a.Score = domain.StatusOffline, 0
	}
	return a
}

// graceExpired reports whether an entity already marked offline has stayed
// silent for DeregisterAfter beyond its timeout.
func (m *Monitor) graceExpired(e *domain.Entity, now time.Time) bool {
	if m.cfg.DeregisterAfter <= 0 || e.Status != domain.StatusOffline {
		return false
	}
	timeout := time.Duration(m.cfg.Policy.OfflineAfter * float64(e.Interval()))
	return now.Sub(e.LivenessReference()) > timeout+m.cfg.DeregisterAfter
}

func (m *Monitor) apply(ctx context.Context, pl plan) (bool, error) {
	e := pl.entity
	if pl.deregister {
		ctx = controlplane.WithActor(ctx, domain.HealthMonitorActor)
		if err := m.writer.Deregister(ctx, e.ID, e.Version); err != nil {
			return false, err
		}
		log.Info(log.CatHealth, "offline entity deregistered after grace period", "id", e.ID, "name", e.Name)
		return true, nil
	}

	a := pl.assessment
	applied, err := m.writer.ApplyHealth(ctx, e.ID, e.Version, a.Status, a.Score)
	if err != nil {
		return false, err
	}
	if applied && a.Status != e.Status {
		log.Info(log.CatHealth, "status changed",
			"id", e.ID, "name", e.Name, "from", e.Status, "to", a.Status, "score", a.Score,
			"timed_out", a.TimedOut, "capped_by", len(a.CappedBy))
	}
	return applied, nil
}
