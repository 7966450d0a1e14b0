// Package controlplane is the Registry Core: the only component that writes
// to the durable store. Every write runs in one transaction, then updates the
// cache and publishes change events while holding the entity's lock, so
// subscribers see each entity's events in version order.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/fleetreg/internal/cachemanager"
	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/policy"
	"github.com/zjrosen/fleetreg/internal/registry/cache"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
	"github.com/zjrosen/fleetreg/internal/retry"
	"github.com/zjrosen/fleetreg/internal/tracing"
)

// idempotencyTTL bounds how long a resolved token stays in memory.
const idempotencyTTL = 10 * time.Minute

// Registry is the entity lifecycle API.
type Registry interface {
	// Register creates an entity in the starting state and returns its id
	// and version. A repeated idempotency token with the same request
	// returns the original result without a new write.
	Register(ctx context.Context, req domain.RegisterRequest) (domain.EntityID, int64, error)

	// Update applies patch if the stored version equals expectedVersion and
	// returns the new version.
	Update(ctx context.Context, id domain.EntityID, expectedVersion int64, patch domain.Patch) (int64, error)

	// Heartbeat records liveness and returns the resulting status and score.
	Heartbeat(ctx context.Context, id domain.EntityID) (domain.Status, int, error)

	// Deregister moves the entity to its terminal state. Deregistering an
	// already deregistered entity succeeds without a new event. An
	// expectedVersion of 0 skips the version check.
	Deregister(ctx context.Context, id domain.EntityID, expectedVersion int64) error

	// GetByID returns the entity, deregistered ones included.
	GetByID(ctx context.Context, id domain.EntityID) (*domain.Entity, error)

	// FindByName returns the live entity with the given type and name.
	FindByName(ctx context.Context, t domain.EntityType, name string) (*domain.Entity, error)

	AddDependency(ctx context.Context, edge domain.DependencyEdge) error
	RemoveDependency(ctx context.Context, dependentID, dependencyID domain.EntityID) error
	ListDependencies(ctx context.Context, id domain.EntityID) ([]domain.DependencyEdge, error)
	ListDependents(ctx context.Context, id domain.EntityID) ([]domain.DependencyEdge, error)

	// GetAuditTrail pages through an entity's audit records, oldest first.
	GetAuditTrail(ctx context.Context, q domain.AuditQuery) (domain.AuditPage, error)
}

// HealthWriter is the internal path the health monitor writes through.
type HealthWriter interface {
	// ApplyHealth stores a computed (status, score) for the entity at
	// expectedVersion. It reports false without writing when the change is
	// not material under the health policy.
	ApplyHealth(ctx context.Context, id domain.EntityID, expectedVersion int64, status domain.Status, score int) (bool, error)

	// Snapshot returns every stored entity and dependency edge.
	Snapshot(ctx context.Context) ([]*domain.Entity, []domain.DependencyEdge, error)

	Deregister(ctx context.Context, id domain.EntityID, expectedVersion int64) error
}

// Config configures the Core.
type Config struct {
	// Store is the durable store. Required.
	Store domain.Store
	// Cache receives committed entities and publishes their events. Required.
	Cache *cache.Cache
	// Authorizer is consulted before every write. Defaults to policy.AllowAll.
	Authorizer policy.Authorizer
	// Tracer defaults to a no-op tracer.
	Tracer trace.Tracer
	// Health decides which health changes are material.
	Health domain.HealthPolicy
	// DefaultHeartbeatInterval applies to entities registered without one.
	DefaultHeartbeatInterval time.Duration
	// Retry bounds store calls.
	Retry retry.Policy
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Validate checks that all required fields are provided.
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("Store is required")
	}
	if c.Cache == nil {
		return fmt.Errorf("Cache is required")
	}
	if c.DefaultHeartbeatInterval < 0 {
		return fmt.Errorf("DefaultHeartbeatInterval must not be negative")
	}
	return nil
}

// Core implements Registry and HealthWriter.
type Core struct {
	store  domain.Store
	cache  *cache.Cache
	authz  policy.Authorizer
	tracer trace.Tracer
	health domain.HealthPolicy
	retry  retry.Policy
	clock  func() time.Time

	defaultInterval time.Duration
	locks           entityLocks
	idempotency     *cachemanager.ReadThroughCache[string, domain.IdempotencyRecord]
}

var (
	_ Registry     = (*Core)(nil)
	_ HealthWriter = (*Core)(nil)
)

// New creates a Core from cfg.
func New(cfg Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = policy.AllowAll{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Noop()
	}
	if cfg.Health == (domain.HealthPolicy{}) {
		cfg.Health = domain.DefaultHealthPolicy()
	}
	if cfg.DefaultHeartbeatInterval == 0 {
		cfg.DefaultHeartbeatInterval = domain.DefaultHeartbeatInterval
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &Core{
		store:           cfg.Store,
		cache:           cfg.Cache,
		authz:           cfg.Authorizer,
		tracer:          cfg.Tracer,
		health:          cfg.Health,
		retry:           cfg.Retry,
		clock:           cfg.Clock,
		defaultInterval: cfg.DefaultHeartbeatInterval,
	}
	c.idempotency = cachemanager.NewReadThroughCache[string, domain.IdempotencyRecord](
		cachemanager.NewInMemoryCacheManager[string, domain.IdempotencyRecord]("idempotency", idempotencyTTL, idempotencyTTL),
		c.loadIdempotency,
		idempotencyTTL,
		false,
	)
	return c, nil
}

// now is truncated to the store's millisecond precision so cached and
// stored copies compare equal.
func (c *Core) now() time.Time {
	return c.clock().UTC().Truncate(time.Millisecond)
}

func (c *Core) authorize(ctx context.Context, action domain.AuditAction, t domain.EntityType, id domain.EntityID) error {
	return c.authz.Authorize(ctx, policy.Request{
		Action:     action,
		Actor:      ActorFrom(ctx),
		EntityType: t,
		EntityID:   id,
	})
}

func (c *Core) loadIdempotency(ctx context.Context, token string) (domain.IdempotencyRecord, error) {
	rec, err := retry.Do(ctx, c.retry, "idempotency get", func(ctx context.Context) (*domain.IdempotencyRecord, error) {
		return c.store.Idempotency().Get(ctx, token)
	})
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return *rec, nil
}

// replay resolves a previously used token. ok is false when the token is new.
func (c *Core) replay(ctx context.Context, token, fingerprint string) (domain.EntityID, int64, bool, error) {
	rec, err := c.idempotency.Get(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	if rec.Fingerprint != fingerprint {
		return "", 0, false, fmt.Errorf("token %q: %w", token, domain.ErrIdempotencyMismatch)
	}
	return rec.EntityID, rec.Version, true, nil
}

// Register creates a new entity.
func (c *Core) Register(ctx context.Context, req domain.RegisterRequest) (id domain.EntityID, version int64, err error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanRegister)
	defer func() { tracing.Finish(span, err) }()

	if req.Actor != "" {
		ctx = WithActor(ctx, req.Actor)
	}
	if err := req.Validate(); err != nil {
		return "", 0, err
	}
	span.SetAttributes(
		attribute.String(tracing.AttrEntityType, string(req.Type)),
		attribute.String(tracing.AttrEntityName, req.Name),
		attribute.String(tracing.AttrActor, ActorFrom(ctx)),
	)
	if err := c.authorize(ctx, domain.ActionRegister, req.Type, ""); err != nil {
		return "", 0, err
	}

	fingerprint := req.Fingerprint()
	if req.IdempotencyToken != "" {
		if id, version, ok, err := c.replay(ctx, req.IdempotencyToken, fingerprint); err != nil || ok {
			return id, version, err
		}
	}

	interval := req.HeartbeatInterval
	if interval == 0 {
		interval = domain.Duration(c.defaultInterval)
	}
	now := c.now()
	e := &domain.Entity{
		ID:                domain.NewEntityID(),
		Type:              req.Type,
		Name:              req.Name,
		Capabilities:      req.Capabilities,
		Status:            domain.StatusStarting,
		HealthScore:       domain.InitialHealthScore,
		Metadata:          req.Metadata.Clone(),
		HeartbeatInterval: interval,
		RegisteredAt:      now,
		UpdatedAt:         now,
		Version:           1,
	}

	unlock := c.locks.lock(e.ID)
	defer unlock()

	err = retry.Run(ctx, c.retry, "register", func(ctx context.Context) error {
		return c.store.WithTx(ctx, func(tx domain.Tx) error {
			if err := tx.Entities().Insert(ctx, e); err != nil {
				return err
			}
			if err := tx.Audit().Append(ctx, newAuditRecord(e.ID, domain.ActionRegister, ActorFrom(ctx), nil, e, now)); err != nil {
				return err
			}
			if req.IdempotencyToken == "" {
				return nil
			}
			return tx.Idempotency().Put(ctx, domain.IdempotencyRecord{
				Token:       req.IdempotencyToken,
				Fingerprint: fingerprint,
				EntityID:    e.ID,
				Version:     e.Version,
			})
		})
	})
	if err != nil {
		// A concurrent request with the same token may have won the insert.
		if req.IdempotencyToken != "" && (errors.Is(err, domain.ErrAlreadyRegistered) || errors.Is(err, domain.ErrIdempotencyMismatch)) {
			if id, version, ok, rerr := c.replay(ctx, req.IdempotencyToken, fingerprint); rerr == nil && ok {
				return id, version, nil
			} else if rerr != nil && !errors.Is(rerr, domain.ErrNotFound) {
				return "", 0, rerr
			}
		}
		return "", 0, fmt.Errorf("register %s %q: %w", req.Type, req.Name, err)
	}

	c.cache.Commit(ctx, e, domain.EventRegistered)
	span.SetAttributes(attribute.String(tracing.AttrEntityID, string(e.ID)))
	log.Info(log.CatRegistry, "entity registered", "id", e.ID, "type", e.Type, "name", e.Name, "actor", ActorFrom(ctx))
	return e.ID, e.Version, nil
}

// mutation is the outcome of a single-entity write.
type mutation struct {
	before *domain.Entity
	after  *domain.Entity
	events []domain.EventType
	// skip means the write turned out to be a no-op; nothing was stored.
	skip bool
}

// mutate loads the entity inside a transaction, lets fn compute the next
// state and stores it with a conditional update. On success the cache and
// subscribers are updated before the entity lock is released.
func (c *Core) mutate(ctx context.Context, op string, id domain.EntityID, action domain.AuditAction,
	fn func(cur *domain.Entity, now time.Time, tx domain.Tx) (*mutation, error),
) (*mutation, error) {
	unlock := c.locks.lock(id)
	defer unlock()

	var m *mutation
	err := retry.Run(ctx, c.retry, op, func(ctx context.Context) error {
		return c.store.WithTx(ctx, func(tx domain.Tx) error {
			cur, err := tx.Entities().Get(ctx, id)
			if err != nil {
				return err
			}
			now := c.now()
			m, err = fn(cur, now, tx)
			if err != nil || m.skip {
				return err
			}
			m.before = cur
			m.after.Version = cur.Version + 1
			m.after.UpdatedAt = now
			if err := tx.Entities().Update(ctx, m.after, cur.Version); err != nil {
				return err
			}
			return tx.Audit().Append(ctx, newAuditRecord(id, action, ActorFrom(ctx), cur, m.after, now))
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrNotFound) {
			c.cache.Invalidate(ctx, id)
		}
		return nil, fmt.Errorf("%s %s: %w", op, id, err)
	}
	if !m.skip {
		c.cache.Commit(ctx, m.after, m.events...)
	}
	return m, nil
}

// Update applies a partial update.
func (c *Core) Update(ctx context.Context, id domain.EntityID, expectedVersion int64, patch domain.Patch) (version int64, err error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanUpdate, trace.WithAttributes(
		attribute.String(tracing.AttrEntityID, string(id)),
		attribute.Int64(tracing.AttrEntityVersion, expectedVersion),
	))
	defer func() { tracing.Finish(span, err) }()

	if err := patch.Validate(); err != nil {
		return 0, err
	}

	m, err := c.mutate(ctx, "update", id, domain.ActionUpdate, func(cur *domain.Entity, _ time.Time, _ domain.Tx) (*mutation, error) {
		if cur.Status.IsTerminal() {
			return nil, fmt.Errorf("entity %s: %w", id, domain.ErrDeregistered)
		}
		if cur.Version != expectedVersion {
			return nil, fmt.Errorf("entity %s at version %d, expected %d: %w", id, cur.Version, expectedVersion, domain.ErrVersionConflict)
		}
		if err := c.authorize(ctx, domain.ActionUpdate, cur.Type, id); err != nil {
			return nil, err
		}
		if patch.IsEmpty() {
			return &mutation{after: cur, skip: true}, nil
		}
		return &mutation{after: patch.Apply(cur), events: []domain.EventType{domain.EventUpdated}}, nil
	})
	if err != nil {
		return 0, err
	}
	log.Debug(log.CatRegistry, "entity updated", "id", id, "version", m.after.Version, "actor", ActorFrom(ctx))
	return m.after.Version, nil
}

// dependencyHealth resolves the current status of each of id's dependencies.
func dependencyHealth(ctx context.Context, tx domain.Tx, id domain.EntityID) ([]domain.DependencyHealth, error) {
	edges, err := tx.Dependencies().ListFrom(ctx, id)
	if err != nil {
		return nil, err
	}
	deps := make([]domain.DependencyHealth, 0, len(edges))
	for _, edge := range edges {
		dep, err := tx.Entities().Get(ctx, edge.DependencyID)
		if err != nil {
			return nil, err
		}
		deps = append(deps, domain.DependencyHealth{
			DependencyID: edge.DependencyID,
			Criticality:  edge.Criticality,
			Status:       dep.Status,
		})
	}
	return deps, nil
}

// Heartbeat records liveness. An offline entity comes back online and a
// single recovered event is published.
func (c *Core) Heartbeat(ctx context.Context, id domain.EntityID) (status domain.Status, score int, err error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanHeartbeat, trace.WithAttributes(
		attribute.String(tracing.AttrEntityID, string(id)),
	))
	defer func() { tracing.Finish(span, err) }()

	m, err := c.mutate(ctx, "heartbeat", id, domain.ActionHeartbeat, func(cur *domain.Entity, now time.Time, tx domain.Tx) (*mutation, error) {
		if cur.Status.IsTerminal() {
			return nil, fmt.Errorf("entity %s: %w", id, domain.ErrDeregistered)
		}
		if err := c.authorize(ctx, domain.ActionHeartbeat, cur.Type, id); err != nil {
			return nil, err
		}
		deps, err := dependencyHealth(ctx, tx, id)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		next.LastHeartbeatAt = &now
		a := c.health.Assess(next, now, deps)
		next.Status, next.HealthScore = a.Status, a.Score

		m := &mutation{after: next}
		switch {
		case cur.Status == domain.StatusOffline && next.Status != domain.StatusOffline:
			m.events = []domain.EventType{domain.EventRecovered}
		case c.health.Material(cur.Status, cur.HealthScore, next.Status, next.HealthScore):
			m.events = []domain.EventType{domain.EventHealthChanged}
		}
		return m, nil
	})
	if err != nil {
		return "", 0, err
	}

	span.SetAttributes(
		attribute.String(tracing.AttrEntityStatus, string(m.after.Status)),
		attribute.Int(tracing.AttrHealthScore, m.after.HealthScore),
	)
	if m.before.Status != m.after.Status {
		log.Info(log.CatRegistry, "heartbeat changed status", "id", id, "from", m.before.Status, "to", m.after.Status)
	}
	return m.after.Status, m.after.HealthScore, nil
}

// Deregister retires the entity.
func (c *Core) Deregister(ctx context.Context, id domain.EntityID, expectedVersion int64) (err error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanDeregister, trace.WithAttributes(
		attribute.String(tracing.AttrEntityID, string(id)),
		attribute.String(tracing.AttrActor, ActorFrom(ctx)),
	))
	defer func() { tracing.Finish(span, err) }()

	m, err := c.mutate(ctx, "deregister", id, domain.ActionDeregister, func(cur *domain.Entity, _ time.Time, _ domain.Tx) (*mutation, error) {
		if cur.Status.IsTerminal() {
			return &mutation{after: cur, skip: true}, nil
		}
		if expectedVersion != 0 && cur.Version != expectedVersion {
			return nil, fmt.Errorf("entity %s at version %d, expected %d: %w", id, cur.Version, expectedVersion, domain.ErrVersionConflict)
		}
		if err := c.authorize(ctx, domain.ActionDeregister, cur.Type, id); err != nil {
			return nil, err
		}
		next := cur.Clone()
		next.Status = domain.StatusDeregistered
		return &mutation{after: next, events: []domain.EventType{domain.EventDeregistered}}, nil
	})
	if err != nil {
		return err
	}
	if !m.skip {
		log.Info(log.CatRegistry, "entity deregistered", "id", id, "actor", ActorFrom(ctx))
	}
	return nil
}

// ApplyHealth stores a health assessment computed by the monitor.
func (c *Core) ApplyHealth(ctx context.Context, id domain.EntityID, expectedVersion int64, status domain.Status, score int) (applied bool, err error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanApplyHealth, trace.WithAttributes(
		attribute.String(tracing.AttrEntityID, string(id)),
		attribute.String(tracing.AttrEntityStatus, string(status)),
		attribute.Int(tracing.AttrHealthScore, score),
	))
	defer func() { tracing.Finish(span, err) }()

	if score < 0 || score > 100 {
		return false, fmt.Errorf("%w: health score %d out of range", domain.ErrInvalidArgument, score)
	}
	ctx = WithActor(ctx, domain.HealthMonitorActor)

	m, err := c.mutate(ctx, "apply health", id, domain.ActionHealthChange, func(cur *domain.Entity, _ time.Time, _ domain.Tx) (*mutation, error) {
		if cur.Status.IsTerminal() {
			return nil, fmt.Errorf("entity %s: %w", id, domain.ErrDeregistered)
		}
		if cur.Version != expectedVersion {
			return nil, fmt.Errorf("entity %s at version %d, expected %d: %w", id, cur.Version, expectedVersion, domain.ErrVersionConflict)
		}
		if !c.health.Material(cur.Status, cur.HealthScore, status, score) {
			return &mutation{after: cur, skip: true}, nil
		}
		if !cur.Status.CanTransitionTo(status) {
			return nil, fmt.Errorf("%w: cannot move %s from %s to %s", domain.ErrInvalidArgument, id, cur.Status, status)
		}
		if cur.Status == domain.StatusOffline && status != domain.StatusOffline {
			return nil, fmt.Errorf("%w: %s is offline until it heartbeats", domain.ErrInvalidArgument, id)
		}
		next := cur.Clone()
		next.Status, next.HealthScore = status, score
		return &mutation{after: next, events: []domain.EventType{domain.EventHealthChanged}}, nil
	})
	if err != nil {
		return false, err
	}
	if m.skip {
		return false, nil
	}
	log.Debug(log.CatHealth, "health applied", "id", id, "status", status, "score", score, "version", m.after.Version)
	return true, nil
}

// GetByID answers from the cache, falling back to the store.
func (c *Core) GetByID(ctx context.Context, id domain.EntityID) (*domain.Entity, error) {
	if e, ok := c.cache.Get(ctx, id); ok {
		return e, nil
	}
	e, err := retry.Do(ctx, c.retry, "get entity", func(ctx context.Context) (*domain.Entity, error) {
		return c.store.Entities().Get(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	c.cache.Put(ctx, e)
	return e, nil
}

// FindByName reads the live (type, name) holder from the store.
func (c *Core) FindByName(ctx context.Context, t domain.EntityType, name string) (*domain.Entity, error) {
	e, err := retry.Do(ctx, c.retry, "find entity", func(ctx context.Context) (*domain.Entity, error) {
		return c.store.Entities().FindLive(ctx, t, name)
	})
	if err != nil {
		return nil, fmt.Errorf("find %s/%s: %w", t, name, err)
	}
	c.cache.Put(ctx, e)
	return e, nil
}

// Snapshot reads every entity and edge from the store.
func (c *Core) Snapshot(ctx context.Context) ([]*domain.Entity, []domain.DependencyEdge, error) {
	entities, err := retry.Do(ctx, c.retry, "snapshot entities", func(ctx context.Context) ([]*domain.Entity, error) {
		return c.store.Entities().List(ctx, domain.EntityFilter{})
	})
	if err != nil {
		return nil, nil, err
	}
	edges, err := retry.Do(ctx, c.retry, "snapshot edges", func(ctx context.Context) ([]domain.DependencyEdge, error) {
		return c.store.Dependencies().ListAll(ctx)
	})
	if err != nil {
		return nil, nil, err
	}
	return entities, edges, nil
}

// GetAuditTrail returns one page of the entity's audit records.
func (c *Core) GetAuditTrail(ctx context.Context, q domain.AuditQuery) (domain.AuditPage, error) {
	if _, err := c.GetByID(ctx, q.EntityID); err != nil {
		return domain.AuditPage{}, err
	}
	return retry.Do(ctx, c.retry, "audit trail", func(ctx context.Context) (domain.AuditPage, error) {
		return c.store.Audit().List(ctx, q)
	})
}
