// Package testutil provides test utilities for store setup, fleet fixtures
// and a controllable clock.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/fleetreg/internal/infrastructure/sqlite"
)

// NewTestStore opens a migrated SQLite store in a temp directory. It is
// closed when the test ends.
func NewTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err, "failed to create test store")
	t.Cleanup(func() { _ = db.Close() })
	return db
}
