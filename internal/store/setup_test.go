package store

import (
	"database/sql"
	"testing"

	"github.com/safar/quotesync/internal/testutil"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	db, _, cleanup := testutil.StartPostgres(t)
	return db, cleanup
}
