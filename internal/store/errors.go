package store

import (
	"fmt"

	"github.com/safar/quotesync/internal/database"
	"github.com/safar/quotesync/internal/models"
)

// StaleWriteError is returned when a guarded write matched no row. Current is
// the row as it stood when the write was refused, so the caller can tell a
// version mismatch from a lock held by someone else.
type StaleWriteError struct {
	Current *models.Quote
}

func (e *StaleWriteError) Error() string {
	if e.Current == nil {
		return database.ErrOptimisticLockFailed.Error()
	}
	return fmt.Sprintf("%v: quote %s at version %d", database.ErrOptimisticLockFailed, e.Current.ID, e.Current.Version)
}

func (e *StaleWriteError) Unwrap() error { return database.ErrOptimisticLockFailed }
