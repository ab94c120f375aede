package sqlite

import (
	"context"
	"errors"

	"github.com/mattn/go-sqlite3"
)

// Primary result codes shared by both drivers.
const (
	codeBusy   = 5 // SQLITE_BUSY
	codeLocked = 6 // SQLITE_LOCKED
)

// coder is implemented by *modernc.org/sqlite.Error.
type coder interface {
	Code() int
}

// isBusy reports whether err is a lock-contention error from either driver.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var ce coder
	if errors.As(err, &ce) {
		primary := ce.Code() & 0xff
		return primary == codeBusy || primary == codeLocked
	}
	return false
}

// isTransient reports whether a failed batch is worth retrying.
func isTransient(err error) bool {
	return isBusy(err) || errors.Is(err, context.DeadlineExceeded)
}
