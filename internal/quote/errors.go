package quote

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLockHeld        = errors.New("quote is locked by another user")
	ErrVersionConflict = errors.New("quote version conflict")
	ErrEmptyPatch      = errors.New("patch changes nothing")
	ErrValueFrozen     = errors.New("quote value cannot change in this status")
)

// LockHeldError names the user holding the edit lock. Callers show it and
// never retry automatically.
type LockHeldError struct {
	By    string
	Since time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("quote is locked by %s since %s", e.By, e.Since.Format(time.RFC3339))
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

// ConflictError reports a compare-and-set miss. The caller must re-fetch
// before retrying.
type ConflictError struct {
	CurrentVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("quote version conflict: current version is %d", e.CurrentVersion)
}

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }
