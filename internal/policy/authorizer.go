// Package policy is the authorization extension point for registry writes.
package policy

import (
	"context"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// Request describes one write the registry is about to perform.
type Request struct {
	Action     domain.AuditAction `json:"action"`
	Actor      string             `json:"actor"`
	EntityType domain.EntityType  `json:"entity_type"`
	EntityID   domain.EntityID    `json:"entity_id,omitempty"`
}

// Authorizer decides whether a write may proceed. A denial is reported as an
// error wrapping domain.ErrForbidden.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) error
}

// AllowAll permits every request.
type AllowAll struct{}

// Authorize always returns nil.
func (AllowAll) Authorize(context.Context, Request) error { return nil }

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req Request) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, req Request) error { return f(ctx, req) }
