package controlplane

import (
	"context"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

type actorKey struct{}

// WithActor tags ctx with the caller recorded in audit records.
func WithActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor, or domain.SystemActor.
func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return domain.SystemActor
}
