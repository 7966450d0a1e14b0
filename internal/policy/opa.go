package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// Query is the rule evaluated for every request.
const Query = "data.fleetreg.authz.allow"

// DefaultPolicy allows every write except deregistration of divisions by
// anyone other than an administrator.
const DefaultPolicy = `
package fleetreg.authz

default allow = true

allow = false {
	input.action == "deregister"
	input.entity_type == "division"
	input.actor != "admin"
}
`

// OPA evaluates requests against a prepared Rego query.
type OPA struct {
	query rego.PreparedEvalQuery
}

var _ Authorizer = (*OPA)(nil)

// NewOPA compiles module and prepares Query against it.
func NewOPA(ctx context.Context, module string) (*OPA, error) {
	r := rego.New(
		rego.Query(Query),
		rego.Module("fleetreg_authz.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &OPA{query: query}, nil
}

// LoadOPA reads a policy module from path. An empty path uses DefaultPolicy.
func LoadOPA(ctx context.Context, path string) (*OPA, error) {
	if path == "" {
		return NewOPA(ctx, DefaultPolicy)
	}
	body, err := os.ReadFile(path) //nolint:gosec // G304: path comes from config
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewOPA(ctx, string(body))
}

// Authorize evaluates the query. An undefined result denies.
func (o *OPA) Authorize(ctx context.Context, req Request) error {
	input := map[string]any{
		"action":      string(req.Action),
		"actor":       req.Actor,
		"entity_type": string(req.EntityType),
		"entity_id":   string(req.EntityID),
	}
	results, err := o.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("failed to evaluate policy: %w", err)
	}

	allowed := false
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		allowed, _ = results[0].Expressions[0].Value.(bool)
	}
	if !allowed {
		log.Info(log.CatPolicy, "write denied",
			"action", req.Action, "actor", req.Actor, "entity_type", req.EntityType, "entity_id", req.EntityID)
		return fmt.Errorf("%w: %s on %s by %q", domain.ErrForbidden, req.Action, req.EntityType, req.Actor)
	}
	return nil
}
