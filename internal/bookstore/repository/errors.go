package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgconn"

	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgQueryCanceled        = "57014"
	pgTooManyConnections   = "53300"
)

// classify maps driver errors onto the storage taxonomy. Errors that are
// already classified pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrTransientStorage) || errors.Is(err, ErrDuplicateEntry) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", models.ErrTransientStorage, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, pgErr.ConstraintName)
		case pgErr.Code == pgSerializationFailure,
			pgErr.Code == pgDeadlockDetected,
			pgErr.Code == pgQueryCanceled,
			pgErr.Code == pgTooManyConnections,
			strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %w", models.ErrTransientStorage, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", models.ErrTransientStorage, err)
	}
	return err
}
