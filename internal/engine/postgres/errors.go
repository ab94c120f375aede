package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
)

// SQLSTATE codes treated as transient by the batch copier.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
	sqlstateQueryCanceled        = "57014"
)

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isLockNotAvailable(err error) bool {
	return err != nil && sqlState(err) == sqlstateLockNotAvailable
}

// lockConflict turns a failed NOWAIT lock on table into a CONCURRENT_SPLIT
// conflict. Other errors pass through.
func lockConflict(err error, table, holder string) error {
	if !isLockNotAvailable(err) {
		return err
	}
	return rkerrors.NewConflict(rkerrors.CodeConcurrentSplit,
		fmt.Sprintf("table %s is locked by another %s", table, holder), err).
		WithDetails(map[string]interface{}{rkerrors.DetailTable: table})
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	switch sqlState(err) {
	case sqlstateSerializationFailure, sqlstateDeadlockDetected, sqlstateLockNotAvailable, sqlstateQueryCanceled:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err)
}
