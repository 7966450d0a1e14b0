// Package manifest loads a declarative fleet description from YAML or TOML
// and reconciles the registry against it.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// Manifest is the decoded file.
type Manifest struct {
	Entities     []EntitySpec     `yaml:"entities" toml:"entities"`
	Dependencies []DependencySpec `yaml:"dependencies" toml:"dependencies"`
}

// EntitySpec declares one entity.
type EntitySpec struct {
	Type              string         `yaml:"type" toml:"type"`
	Name              string         `yaml:"name" toml:"name"`
	Capabilities      []string       `yaml:"capabilities" toml:"capabilities"`
	Metadata          map[string]any `yaml:"metadata" toml:"metadata"`
	HeartbeatInterval string         `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// DependencySpec declares an edge between two entities named as
// "<type>/<name>".
type DependencySpec struct {
	Dependent   string `yaml:"dependent" toml:"dependent"`
	Dependency  string `yaml:"dependency" toml:"dependency"`
	Criticality string `yaml:"criticality" toml:"criticality"`
}

// Ref names an entity by type and name.
type Ref struct {
	Type domain.EntityType
	Name string
}

func (r Ref) String() string { return string(r.Type) + "/" + r.Name }

// ParseRef parses "<type>/<name>".
func ParseRef(s string) (Ref, error) {
	typ, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || strings.TrimSpace(name) == "" {
		return Ref{}, fmt.Errorf("%w: entity reference %q must look like type/name", domain.ErrInvalidArgument, s)
	}
	t, err := domain.ParseEntityType(typ)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Type: t, Name: strings.TrimSpace(name)}, nil
}

// Entity is a validated EntitySpec.
type Entity struct {
	Ref
	Request domain.RegisterRequest
}

// Edge is a validated DependencySpec.
type Edge struct {
	Dependent   Ref
	Dependency  Ref
	Criticality domain.Criticality
}

// Plan is a validated manifest.
type Plan struct {
	Entities []Entity
	Edges    []Edge
}

// Load reads and validates the manifest at path. The format follows the
// extension: .toml for TOML, anything else is YAML.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from config
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", domain.ErrInvalidArgument, path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", domain.ErrInvalidArgument, path, err)
		}
	}
	return m.Validate()
}

// Validate checks every entry and resolves edge references against the
// declared entities.
func (m Manifest) Validate() (*Plan, error) {
	plan := &Plan{}
	seen := make(map[Ref]bool, len(m.Entities))

	for i, spec := range m.Entities {
		t, err := domain.ParseEntityType(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
		md, err := domain.MetadataFrom(spec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
		req := domain.RegisterRequest{
			Type:         t,
			Name:         spec.Name,
			Capabilities: spec.Capabilities,
			Metadata:     md,
		}
		if spec.HeartbeatInterval != "" {
			d, err := time.ParseDuration(spec.HeartbeatInterval)
			if err != nil {
				return nil, fmt.Errorf("entities[%d]: %w: bad heartbeat_interval %q", i, domain.ErrInvalidArgument, spec.HeartbeatInterval)
			}
			req.HeartbeatInterval = domain.Duration(d)
		}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}

		ref := Ref{Type: t, Name: req.Name}
		if seen[ref] {
			return nil, fmt.Errorf("entities[%d]: %w: %s declared twice", i, domain.ErrInvalidArgument, ref)
		}
		seen[ref] = true
		plan.Entities = append(plan.Entities, Entity{Ref: ref, Request: req})
	}

	for i, spec := range m.Dependencies {
		dependent, err := ParseRef(spec.Dependent)
		if err != nil {
			return nil, fmt.Errorf("dependencies[%d]: %w", i, err)
		}
		dependency, err := ParseRef(spec.Dependency)
		if err != nil {
			return nil, fmt.Errorf("dependencies[%d]: %w", i, err)
		}
		for _, r := range []Ref{dependent, dependency} {
			if !seen[r] {
				return nil, fmt.Errorf("dependencies[%d]: %w: %s is not declared", i, domain.ErrInvalidArgument, r)
			}
		}
		crit := domain.Criticality(strings.ToLower(strings.TrimSpace(spec.Criticality)))
		if crit == "" {
			crit = domain.CriticalityHard
		}
		if crit != domain.CriticalityHard && crit != domain.CriticalitySoft {
			return nil, fmt.Errorf("dependencies[%d]: %w: unknown criticality %q", i, domain.ErrInvalidArgument, spec.Criticality)
		}
		plan.Edges = append(plan.Edges, Edge{Dependent: dependent, Dependency: dependency, Criticality: crit})
	}
	return plan, nil
}
