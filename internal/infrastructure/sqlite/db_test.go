package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// TestNewDB_CreatesDirectory verifies that NewDB creates missing parent
// directories with owner-only permissions, then the database file.
func TestNewDB_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "registry.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	dir, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	require.True(t, dir.IsDir())
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0o700), dir.Mode().Perm())
	}

	file, err := os.Stat(dbPath)
	require.NoError(t, err)
	require.False(t, file.IsDir())
}

// TestNewDB_RunsMigrations verifies that NewDB runs migrations and creates the entities table.
func TestNewDB_RunsMigrations(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err, "NewDB should succeed")
	defer db.Close()

	for _, table := range []string{"entities", "entity_capabilities", "dependencies", "audit_log", "idempotency_tokens", "entity_versions"} {
		var tableName string
		err = db.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&tableName)
		require.NoError(t, err, "%s table should exist after migrations", table)
		require.Equal(t, table, tableName)
	}

	var version int
	var dirty bool
	err = db.conn.QueryRow("SELECT version, dirty FROM schema_migrations").Scan(&version, &dirty)
	require.NoError(t, err)
	require.Equal(t, 2, version)
	require.False(t, dirty)
}

// TestNewDB_PreMigrationBackup verifies that a .bak file is created before migrations
// when an existing database file is present.
func TestNewDB_PreMigrationBackup(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	// Create initial database
	db1, err := NewDB(dbPath)
	require.NoError(t, err, "First NewDB should succeed")

	// Insert test data to verify backup content
	_, err = db1.conn.Exec(
		"INSERT INTO entities (id, entity_type, name, status, heartbeat_interval_ms, registered_at, updated_at, version) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		"id-1", "server", "filesystem", "starting", 30000, 1000, 1000, 1,
	)
	require.NoError(t, err, "Should be able to insert test data")
	db1.Close()

	// Open database again - this should create a backup
	db2, err := NewDB(dbPath)
	require.NoError(t, err, "Second NewDB should succeed")
	defer db2.Close()

	// Verify backup file exists
	backupPath := dbPath + ".bak"
	info, err := os.Stat(backupPath)
	require.NoError(t, err, "Backup file should exist after second NewDB")
	require.False(t, info.IsDir(), "Backup should be a file")
	require.Greater(t, info.Size(), int64(0), "Backup file should have content")
}

func TestNewDB_Pragmas(t *testing.T) {
	db := setupTestDB(t)

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"foreign_keys", "1"},
		{"busy_timeout", "5000"},
	}
	for _, tt := range tests {
		t.Run(tt.pragma, func(t *testing.T) {
			var got string
			require.NoError(t, db.conn.QueryRow("PRAGMA "+tt.pragma).Scan(&got))
			require.Equal(t, tt.want, got)
		})
	}
}

// TestDB_Close verifies that connection closes cleanly.
func TestDB_Close(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err, "NewDB should succeed")

	// Close should succeed
	err = db.Close()
	require.NoError(t, err, "Close should succeed")

	// After close, the connection should be closed (ping fails)
	err = db.conn.Ping()
	require.Error(t, err, "Ping should fail after Close")
}

// TestDB_ImplementsStore verifies that DB satisfies domain.Store and hands out repositories.
func TestDB_ImplementsStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err, "NewDB should succeed")
	defer db.Close()

	var store domain.Store = db
	require.NotNil(t, store.Entities())
	require.NotNil(t, store.Dependencies())
	require.NotNil(t, store.Audit())
	require.NotNil(t, store.Idempotency())
}

// TestNewDB_Memory verifies the in-memory database used by tests is migrated.
func TestNewDB_Memory(t *testing.T) {
	db, err := NewDB(MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.conn.QueryRow("SELECT COUNT(*) FROM entities").Scan(&count))
	require.Zero(t, count)
}

func TestDB_Connection(t *testing.T) {
	db := setupTestDB(t)

	conn := db.Connection()
	require.IsType(t, (*sql.DB)(nil), conn)
	require.NoError(t, conn.Ping())
	require.NoError(t, db.Ping(context.Background()))
}

func TestDB_WithTxCommits(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	e := newEntity(domain.TypeServer, "filesystem")

	err := db.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.Entities().Insert(ctx, e); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, &domain.AuditRecord{
			EntityID:  e.ID,
			Action:    domain.ActionRegister,
			Actor:     "test",
			Timestamp: e.RegisteredAt,
		})
	})
	require.NoError(t, err)

	got, err := db.Entities().Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, "filesystem", got.Name)

	page, err := db.Audit().List(ctx, domain.AuditQuery{EntityID: e.ID})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
}

func TestDB_WithTxRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	e := newEntity(domain.TypeServer, "filesystem")
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.Entities().Insert(ctx, e); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.Entities().Get(ctx, e.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// TestNewDB_MultipleCalls verifies that opening the same database twice is safe.
func TestNewDB_MultipleCalls(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	// First connection
	db1, err := NewDB(dbPath)
	require.NoError(t, err, "First NewDB should succeed")
	defer db1.Close()

	// Second connection to the same database
	db2, err := NewDB(dbPath)
	require.NoError(t, err, "Second NewDB should succeed (WAL mode allows concurrent access)")
	defer db2.Close()

	// Both connections should be usable
	err = db1.conn.Ping()
	require.NoError(t, err, "First connection should still work")

	err = db2.conn.Ping()
	require.NoError(t, err, "Second connection should work")

	// Both can query
	var count1, count2 int
	err = db1.conn.QueryRow("SELECT COUNT(*) FROM entities").Scan(&count1)
	require.NoError(t, err, "First connection should be able to query")

	err = db2.conn.QueryRow("SELECT COUNT(*) FROM entities").Scan(&count2)
	require.NoError(t, err, "Second connection should be able to query")
}

// TestNewDB_InvalidPath verifies that NewDB returns an error for invalid paths.
func TestNewDB_InvalidPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Unix-specific restricted path test")
	}

	// Directory cannot be created under /proc
	invalidPath := "/proc/fleetreg-test/db.sqlite"

	_, err := NewDB(invalidPath)
	require.Error(t, err, "NewDB should fail for path in restricted directory")
}

// TestSchemaVersion verifies that a fresh database reports the latest embedded migration.
func TestSchemaVersion(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.SchemaVersion()
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, 2, version)
}
