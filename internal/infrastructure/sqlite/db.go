// Package sqlite implements the durable store on SQLite (WASM build via
// ncruces/go-sqlite3) with embedded golang-migrate migrations.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the SQLite WASM binary

	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// MemoryPath opens a private in-memory database, used by tests.
const MemoryPath = ":memory:"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the SQLite durable store.
type DB struct {
	conn *sql.DB
	path string
}

var _ domain.Store = (*DB)(nil)

// NewDB opens (creating when needed) the database at path, backs up an
// existing file to path+".bak" and applies pending migrations.
func NewDB(path string) (*DB, error) {
	existed := false
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			existed = true
		}
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{conn: conn, path: path}

	if existed {
		if err := db.backup(path + ".bak"); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug(log.CatDB, "database ready", "path", path)
	return db, nil
}

func dsn(path string) string {
	pragmas := "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	if path == MemoryPath {
		return "file::memory:?" + pragmas
	}
	return "file:" + filepath.ToSlash(path) + "?" + pragmas + "&_pragma=journal_mode(wal)"
}

// backup writes a consistent copy of the database, WAL contents included.
func (db *DB) backup(target string) error {
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove old backup: %w", err)
	}
	escaped := strings.ReplaceAll(target, "'", "''")
	if _, err := db.conn.Exec("VACUUM INTO '" + escaped + "'"); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}

// Connection returns the underlying *sql.DB.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the store is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return classify(db.conn.PingContext(ctx), "failed to ping database")
}

func (db *DB) Entities() domain.EntityRepository         { return &entityRepository{q: db.conn} }
func (db *DB) Dependencies() domain.DependencyRepository { return &dependencyRepository{q: db.conn} }
func (db *DB) Audit() domain.AuditRepository             { return &auditRepository{q: db.conn} }
func (db *DB) Idempotency() domain.IdempotencyRepository { return &idempotencyRepository{q: db.conn} }

// WithTx runs fn in one IMMEDIATE transaction. The transaction commits only
// if fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx domain.Tx) error) (err error) {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&txRepos{q: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return classify(err, "failed to commit transaction")
	}
	return nil
}

type txRepos struct {
	q querier
}

func (t *txRepos) Entities() domain.EntityRepository         { return &entityRepository{q: t.q} }
func (t *txRepos) Dependencies() domain.DependencyRepository { return &dependencyRepository{q: t.q} }
func (t *txRepos) Audit() domain.AuditRepository             { return &auditRepository{q: t.q} }
func (t *txRepos) Idempotency() domain.IdempotencyRepository { return &idempotencyRepository{q: t.q} }
