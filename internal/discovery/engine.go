// Package discovery answers capability, status and hierarchy queries from the
// cache, reloading it from the durable store when it is cold or stale. It
// never writes.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/registry/cache"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
	"github.com/zjrosen/fleetreg/internal/retry"
	"github.com/zjrosen/fleetreg/internal/tracing"
)

// Result is the answer to a discovery query.
type Result struct {
	Entities []*domain.Entity `json:"entities"`
	// Stale is set when the store could not be reached and the answer comes
	// from an expired cache snapshot.
	Stale bool `json:"stale,omitempty"`
}

// Config configures the Engine.
type Config struct {
	// Entities is the store's entity repository, used only for reloads.
	Entities domain.EntityRepository
	Cache    *cache.Cache
	Retry    retry.Policy
	Tracer   trace.Tracer
	Clock    func() time.Time
	// Search enables the free-text index when non-nil.
	Search *Index
	// Strategy is used by SelectOne when the caller names none.
	Strategy Strategy
}

// Engine serves discovery queries.
type Engine struct {
	entities domain.EntityRepository
	cache    *cache.Cache
	retry    retry.Policy
	tracer   trace.Tracer
	clock    func() time.Time
	search   *Index
	strategy Strategy

	reloadMu sync.Mutex
	selector *selector
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Entities == nil {
		return nil, fmt.Errorf("entity repository is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Noop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	strategy, err := ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	return &Engine{
		entities: cfg.Entities,
		cache:    cfg.Cache,
		retry:    cfg.Retry,
		tracer:   cfg.Tracer,
		clock:    cfg.Clock,
		search:   cfg.Search,
		strategy: strategy,
		selector: newSelector(),
	}, nil
}

// FindByCapability returns live entities advertising capability, optionally
// restricted to the given statuses.
func (e *Engine) FindByCapability(ctx context.Context, capability string, statuses ...domain.Status) (Result, error) {
	if capability == "" {
		return Result{}, fmt.Errorf("%w: capability is required", domain.ErrInvalidArgument)
	}
	return e.Find(ctx, domain.EntityFilter{Capability: capability, Statuses: statuses})
}

// FindByHierarchy returns live entities in the given division and/or
// department. Empty ids match everything.
func (e *Engine) FindByHierarchy(ctx context.Context, divisionID, departmentID string) (Result, error) {
	return e.Find(ctx, domain.EntityFilter{DivisionID: divisionID, DepartmentID: departmentID})
}

// Find returns the entities matching filter. Deregistered entities are
// never returned.
func (e *Engine) Find(ctx context.Context, filter domain.EntityFilter) (res Result, err error) {
	ctx, span := e.tracer.Start(ctx, tracing.SpanDiscovery, trace.WithAttributes(
		attribute.String(tracing.AttrCapability, filter.Capability),
	))
	defer func() {
		span.SetAttributes(
			attribute.Int(tracing.AttrResultCount, len(res.Entities)),
			attribute.Bool(tracing.AttrStale, res.Stale),
		)
		tracing.Finish(span, err)
	}()

	filter.IncludeDeregistered = false
	stale, err := e.ensureFresh(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Entities: e.cache.Snapshot(ctx, filter), Stale: stale}, nil
}

// ensureFresh reloads the cache when it is cold or past its TTL. It reports
// stale=true when the reload failed but an older snapshot can still answer.
func (e *Engine) ensureFresh(ctx context.Context) (bool, error) {
	if e.cache.Fresh(ctx) {
		return false, nil
	}

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	// Another caller may have reloaded while we waited.
	if e.cache.Fresh(ctx) {
		return false, nil
	}

	err := e.Reload(ctx)
	if err == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, fmt.Errorf("discovery: %w: %w", domain.ErrTimeout, ctx.Err())
	}
	if !e.cache.Loaded() {
		return false, fmt.Errorf("discovery: cache cold and store unreachable: %w", err)
	}
	log.Warn(log.CatDiscovery, "serving stale cache", "error", err)
	return true, nil
}

// Reload replaces the cache with a full read of the store.
func (e *Engine) Reload(ctx context.Context) (err error) {
	ctx, span := e.tracer.Start(ctx, tracing.SpanReload)
	defer func() { tracing.Finish(span, err) }()

	gen := e.cache.Generation()
	loaded, err := retry.Do(ctx, e.retry, "discovery reload", func(ctx context.Context) ([]*domain.Entity, error) {
		return e.entities.List(ctx, domain.EntityFilter{IncludeDeregistered: true})
	})
	if err != nil {
		return err
	}
	e.cache.Replace(ctx, loaded, gen)
	if e.search != nil {
		e.search.Rebuild(e.cache.Snapshot(ctx, domain.EntityFilter{}))
	}
	log.Debug(log.CatDiscovery, "cache reloaded", "entities", len(loaded))
	return nil
}
