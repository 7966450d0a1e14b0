package domain

import "context"

// EntityRepository persists entities.
type EntityRepository interface {
	// Insert stores a new entity. Returns ErrAlreadyRegistered when a live
	// entity with the same (type, name) exists.
	Insert(ctx context.Context, e *Entity) error

	// Update replaces the entity only if its stored version equals
	// expectedVersion. Returns ErrVersionConflict on mismatch and
	// ErrNotFound when the id is unknown.
	Update(ctx context.Context, e *Entity, expectedVersion int64) error

	// Get returns the entity by id, including deregistered ones.
	Get(ctx context.Context, id EntityID) (*Entity, error)

	// FindLive returns the non-deregistered entity with the given type and name.
	FindLive(ctx context.Context, t EntityType, name string) (*Entity, error)

	// List returns entities matching filter ordered by registration time.
	List(ctx context.Context, filter EntityFilter) ([]*Entity, error)
}

// DependencyRepository persists dependency edges.
type DependencyRepository interface {
	// Add inserts the edge or updates its criticality when it already exists.
	Add(ctx context.Context, edge DependencyEdge) error

	// Remove deletes the edge. Returns ErrNotFound when it does not exist.
	Remove(ctx context.Context, dependentID, dependencyID EntityID) error

	// ListFrom returns the edges whose dependent is id.
	ListFrom(ctx context.Context, id EntityID) ([]DependencyEdge, error)

	// ListTo returns the edges whose dependency is id.
	ListTo(ctx context.Context, id EntityID) ([]DependencyEdge, error)

	// ListAll returns every edge.
	ListAll(ctx context.Context) ([]DependencyEdge, error)
}

// AuditRepository is the append-only audit log.
type AuditRepository interface {
	Append(ctx context.Context, rec *AuditRecord) error
	List(ctx context.Context, q AuditQuery) (AuditPage, error)
}

// IdempotencyRecord remembers the outcome of a tokened Register call.
type IdempotencyRecord struct {
	Token       string
	Fingerprint string
	EntityID    EntityID
	Version     int64
}

// IdempotencyRepository stores Register idempotency tokens.
type IdempotencyRepository interface {
	// Get returns ErrNotFound for unknown tokens.
	Get(ctx context.Context, token string) (*IdempotencyRecord, error)
	Put(ctx context.Context, rec IdempotencyRecord) error
}

// Tx groups the repositories that share one transaction.
type Tx interface {
	Entities() EntityRepository
	Dependencies() DependencyRepository
	Audit() AuditRepository
	Idempotency() IdempotencyRepository
}

// Store is the durable store. Its repositories run outside any transaction;
// WithTx runs fn in a single transaction that commits only if fn returns nil.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
