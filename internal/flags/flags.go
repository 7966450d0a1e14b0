// Package flags provides feature flags for optional daemon components.
// Flags are read-only after initialization and unknown flags are disabled.
package flags

import (
	"maps"
	"slices"

	"github.com/zjrosen/fleetreg/internal/log"
)

const (
	// FlagNATSBridge publishes registry events to NATS and accepts heartbeats from it.
	FlagNATSBridge = "nats-bridge"

	// FlagOPAAuthz routes every write through the OPA authorizer.
	FlagOPAAuthz = "opa-authz"

	// FlagSearchIndex maintains the in-memory full-text index behind /v1/search.
	FlagSearchIndex = "search-index"

	// FlagManifestWatch re-applies the manifest whenever the file changes.
	FlagManifestWatch = "manifest-watch"

	// FlagSummaryExport periodically logs the health summary and publishes it to the bus.
	FlagSummaryExport = "summary-export"
)

// Known lists every flag the daemon reads.
var Known = []string{FlagNATSBridge, FlagOPAAuthz, FlagSearchIndex, FlagManifestWatch, FlagSummaryExport}

// Registry holds feature flag state loaded from configuration.
type Registry struct {
	flags map[string]bool
}

// New creates a Registry from a config map. A nil map disables everything.
func New(flags map[string]bool) *Registry {
	if flags == nil {
		flags = make(map[string]bool)
	}
	r := &Registry{flags: flags}
	for name := range flags {
		if !slices.Contains(Known, name) {
			log.Warn(log.CatConfig, "unknown feature flag in config", "flag", name)
		}
	}
	log.Debug(log.CatConfig, "feature flags initialized", "count", len(flags), "flags", r.All())
	return r
}

// Enabled reports whether the named flag is on. Unknown flags and a nil
// registry report false.
func (r *Registry) Enabled(name string) bool {
	if r == nil || r.flags == nil {
		return false
	}
	value, exists := r.flags[name]
	if !exists {
		return false
	}
	return value
}

// All returns a copy of all flags.
func (r *Registry) All() map[string]bool {
	if r == nil || r.flags == nil {
		return make(map[string]bool)
	}
	result := make(map[string]bool, len(r.flags))
	maps.Copy(result, r.flags)
	return result
}
