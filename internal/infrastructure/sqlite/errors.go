package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// classify wraps a driver error with the matching domain sentinel so callers
// can decide about retries with errors.Is.
func classify(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", msg, domain.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", msg, err)
	case errors.Is(err, sqlite3.CONSTRAINT):
		return fmt.Errorf("%s: %w: %w", msg, domain.ErrInvalidArgument, err)
	default:
		// Busy, locked, I/O and closed-connection errors all mean the store
		// cannot serve the call right now.
		return fmt.Errorf("%s: %w: %w", msg, domain.ErrStoreUnavailable, err)
	}
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY)
}

func isForeignKeyViolation(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_FOREIGNKEY)
}
