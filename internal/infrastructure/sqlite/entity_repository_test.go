package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// setupTestDB creates a new file-backed DB that is closed when the test completes.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "Failed to create test database")
	t.Cleanup(func() { db.Close() })
	return db
}

func newEntity(typ domain.EntityType, name string, caps ...string) *domain.Entity {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Entity{
		ID:                domain.NewEntityID(),
		Type:              typ,
		Name:              name,
		Capabilities:      domain.NormalizeCapabilities(caps),
		Status:            domain.StatusStarting,
		HealthScore:       domain.InitialHealthScore,
		Metadata:          domain.Metadata{"port": domain.Int(8080)},
		HeartbeatInterval: domain.Duration(10 * time.Second),
		RegisteredAt:      now,
		UpdatedAt:         now,
		Version:           1,
	}
}

func insert(t *testing.T, db *DB, e *domain.Entity) {
	t.Helper()
	err := db.WithTx(context.Background(), func(tx domain.Tx) error {
		return tx.Entities().Insert(context.Background(), e)
	})
	require.NoError(t, err)
}

func update(db *DB, e *domain.Entity, expected int64) error {
	return db.WithTx(context.Background(), func(tx domain.Tx) error {
		return tx.Entities().Update(context.Background(), e, expected)
	})
}

// === Unit Tests: Insert / Get ===

func TestEntityRepository_InsertAndGet(t *testing.T) {
	db := setupTestDB(t)
	e := newEntity(domain.TypeServer, "filesystem", "file_ops")
	insert(t, db, e)

	got, err := db.Entities().Get(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, e.Name, got.Name)
	require.Equal(t, []string{"file_ops"}, got.Capabilities)
	require.Equal(t, domain.StatusStarting, got.Status)
	require.Equal(t, int64(1), got.Version)
	require.Nil(t, got.LastHeartbeatAt)
	require.True(t, e.Metadata.Equal(got.Metadata))
	require.Equal(t, 10*time.Second, got.Interval())
	require.True(t, e.RegisteredAt.Equal(got.RegisteredAt))
}

func TestEntityRepository_GetUnknown(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.Entities().Get(context.Background(), domain.NewEntityID())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEntityRepository_Insert_RejectsLiveDuplicate(t *testing.T) {
	db := setupTestDB(t)
	insert(t, db, newEntity(domain.TypeServer, "filesystem"))

	err := db.WithTx(context.Background(), func(tx domain.Tx) error {
		return tx.Entities().Insert(context.Background(), newEntity(domain.TypeServer, "filesystem"))
	})
	require.ErrorIs(t, err, domain.ErrAlreadyRegistered)

	// Same name with a different type is a different entity.
	insert(t, db, newEntity(domain.TypeDatabase, "filesystem"))
}

func TestEntityRepository_Insert_AllowsNameAfterDeregister(t *testing.T) {
	db := setupTestDB(t)
	first := newEntity(domain.TypeAgent, "planner")
	insert(t, db, first)

	gone := first.Clone()
	gone.Status = domain.StatusDeregistered
	gone.Version = 2
	require.NoError(t, update(db, gone, 1))

	insert(t, db, newEntity(domain.TypeAgent, "planner"))

	found, err := db.Entities().FindLive(context.Background(), domain.TypeAgent, "planner")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, found.ID)
}

// === Unit Tests: Update ===

func TestEntityRepository_Update_VersionConflict(t *testing.T) {
	db := setupTestDB(t)
	e := newEntity(domain.TypeServer, "filesystem")
	insert(t, db, e)

	next := e.Clone()
	next.Version = 2
	require.NoError(t, update(db, next, 1))

	stale := e.Clone()
	stale.Name = "renamed"
	stale.Version = 2
	err := update(db, stale, 1)
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := db.Entities().Get(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, "filesystem", got.Name)
}

func TestEntityRepository_Update_Unknown(t *testing.T) {
	db := setupTestDB(t)
	err := update(db, newEntity(domain.TypeServer, "ghost"), 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEntityRepository_Update_ReplacesCapabilities(t *testing.T) {
	db := setupTestDB(t)
	e := newEntity(domain.TypeServer, "filesystem", "file_ops", "search")
	insert(t, db, e)

	next := e.Clone()
	next.Capabilities = []string{"archive"}
	next.Version = 2
	require.NoError(t, update(db, next, 1))

	found, err := db.Entities().List(context.Background(), domain.EntityFilter{Capability: "search"})
	require.NoError(t, err)
	require.Empty(t, found)

	found, err = db.Entities().List(context.Background(), domain.EntityFilter{Capability: "archive"})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

// TestEntityRepository_ConcurrentUpdates verifies that of two writers holding
// the same version exactly one wins.
func TestEntityRepository_ConcurrentUpdates(t *testing.T) {
	db := setupTestDB(t)
	e := newEntity(domain.TypeServer, "filesystem")
	insert(t, db, e)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := e.Clone()
			next.Version = 2
			next.HealthScore = i
			errs[i] = update(db, next, 1)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			require.ErrorIs(t, err, domain.ErrVersionConflict)
			conflicts++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflicts)
}

// === Unit Tests: List ===

func TestEntityRepository_List_Filters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	fs := newEntity(domain.TypeServer, "filesystem", "file_ops")
	fs.Metadata = domain.Metadata{domain.MetaDepartmentID: domain.String("eng")}
	pg := newEntity(domain.TypeDatabase, "postgres", "sql")
	gone := newEntity(domain.TypeServer, "legacy", "file_ops")
	for _, e := range []*domain.Entity{fs, pg, gone} {
		insert(t, db, e)
	}
	dereg := gone.Clone()
	dereg.Status = domain.StatusDeregistered
	dereg.Version = 2
	require.NoError(t, update(db, dereg, 1))

	all, err := db.Entities().List(ctx, domain.EntityFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	withGone, err := db.Entities().List(ctx, domain.EntityFilter{IncludeDeregistered: true})
	require.NoError(t, err)
	require.Len(t, withGone, 3)

	byCap, err := db.Entities().List(ctx, domain.EntityFilter{Capability: "file_ops"})
	require.NoError(t, err)
	require.Len(t, byCap, 1)
	require.Equal(t, fs.ID, byCap[0].ID)

	byType, err := db.Entities().List(ctx, domain.EntityFilter{Types: []domain.EntityType{domain.TypeDatabase}})
	require.NoError(t, err)
	require.Len(t, byType, 1)

	byDept, err := db.Entities().List(ctx, domain.EntityFilter{DepartmentID: "eng"})
	require.NoError(t, err)
	require.Len(t, byDept, 1)
	require.Equal(t, fs.ID, byDept[0].ID)
}

// === Property Tests ===

// Property: a chain of updates only succeeds with the current version, and
// every stored version is strictly greater than the previous one.
func TestEntityRepository_MonotonicVersion_Property(t *testing.T) {
	db := setupTestDB(t)
	rapid.Check(t, func(t *rapid.T) {
		e := newEntity(domain.TypeAgent, "agent-"+domain.NewEntityID().String())
		if err := db.WithTx(context.Background(), func(tx domain.Tx) error {
			return tx.Entities().Insert(context.Background(), e)
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}

		current := int64(1)
		steps := rapid.IntRange(1, 8).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			expected := current
			if rapid.Bool().Draw(t, "stale") {
				expected = current - 1
			}
			next := e.Clone()
			next.Version = current + 1
			err := update(db, next, expected)
			if expected == current {
				if err != nil {
					t.Fatalf("update at current version failed: %v", err)
				}
				current++
			} else if err == nil {
				t.Fatalf("stale update at %d accepted (current %d)", expected, current)
			}
		}

		got, err := db.Entities().Get(context.Background(), e.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != current {
			t.Fatalf("stored version %d, want %d", got.Version, current)
		}
	})
}
