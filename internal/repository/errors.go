// Package repository holds the registration store: the pending and active
// tables and the only code that reads or writes them.  Sentinel errors let
// the state machine and handlers tell failure kinds apart without looking
// at driver errors.
package repository

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable wraps every failure reported by the database driver.
// Callers treat it as a transient failure of the current request.
var ErrStoreUnavailable = errors.New("registration store unavailable")

// ErrPendingNotFound is returned when no pending row carries the state token.
var ErrPendingNotFound = errors.New("pending registration not found")

// ErrActiveNotFound is returned when the ticket position has not been linked.
var ErrActiveNotFound = errors.New("active registration not found")

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
