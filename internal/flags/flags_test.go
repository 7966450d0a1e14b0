package flags

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_Enabled(t *testing.T) {
	tests := []struct {
		name     string
		registry *Registry
		flag     string
		expected bool
	}{
		{
			name:     "known flag set to true returns true",
			registry: New(map[string]bool{FlagNATSBridge: true}),
			flag:     FlagNATSBridge,
			expected: true,
		},
		{
			name:     "known flag set to false returns false",
			registry: New(map[string]bool{FlagOPAAuthz: false}),
			flag:     FlagOPAAuthz,
			expected: false,
		},
		{
			name:     "unknown flag returns false",
			registry: New(map[string]bool{FlagNATSBridge: true}),
			flag:     "warp-drive",
			expected: false,
		},
		{
			name:     "nil registry returns false",
			registry: nil,
			flag:     FlagSearchIndex,
			expected: false,
		},
		{
			name:     "empty registry returns false",
			registry: New(map[string]bool{}),
			flag:     FlagSearchIndex,
			expected: false,
		},
		{
			name:     "nil flags map returns false",
			registry: New(nil),
			flag:     FlagSearchIndex,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.registry.Enabled(tt.flag)
			require.Equal(t, tt.expected, result)
		})
	}
}

func TestRegistry_Enabled_MultipleFlags(t *testing.T) {
	r := New(map[string]bool{
		FlagNATSBridge: true,
		FlagOPAAuthz: false,
		FlagSearchIndex: true,
	})

	require.True(t, r.Enabled(FlagNATSBridge))
	require.False(t, r.Enabled(FlagOPAAuthz))
	require.True(t, r.Enabled(FlagSearchIndex))
	require.False(t, r.Enabled(FlagManifestWatch)) // not configured
}

func TestKnown_ListsEveryFlag(t *testing.T) {
	require.ElementsMatch(t, []string{
		"nats-bridge", "opa-authz", "search-index", "manifest-watch", "summary-export",
	}, Known)
}

func TestRegistry_All(t *testing.T) {
	tests := []struct {
		name     string
		registry *Registry
		expected map[string]bool
	}{
		{
			name:     "returns all flags",
			registry: New(map[string]bool{FlagNATSBridge: true, FlagOPAAuthz: false}),
			expected: map[string]bool{FlagNATSBridge: true, FlagOPAAuthz: false},
		},
		{
			name:     "returns empty map for nil registry",
			registry: nil,
			expected: map[string]bool{},
		},
		{
			name:     "returns empty map for empty registry",
			registry: New(map[string]bool{}),
			expected: map[string]bool{},
		},
		{
			name:     "returns empty map for nil flags",
			registry: New(nil),
			expected: map[string]bool{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.registry.All()
			require.Equal(t, tt.expected, result)
		})
	}
}

func TestRegistry_All_ReturnsDefensiveCopy(t *testing.T) {
	original := map[string]bool{FlagNATSBridge: true}
	r := New(original)

	snapshot := r.All()
	snapshot[FlagNATSBridge] = false
	snapshot[FlagSummaryExport] = true

	require.True(t, r.Enabled(FlagNATSBridge), "registry should not be affected by copy mutation")
	require.False(t, r.Enabled(FlagSummaryExport), "registry should not have new flags from copy mutation")

	require.Equal(t, map[string]bool{FlagNATSBridge: true}, r.All())
}

func TestNew_WithNilFlags(t *testing.T) {
	r := New(nil)
	require.NotNil(t, r)
	require.False(t, r.Enabled(FlagSummaryExport))
}

func TestNew_WithEmptyFlags(t *testing.T) {
	r := New(map[string]bool{})
	require.NotNil(t, r)
	require.False(t, r.Enabled(FlagSummaryExport))
}
