package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/cryptotaxreports/src/store"
	"github.com/username/cryptotaxreports/src/store/storetest"
)

func openTestDB(t *testing.T) *SQLStore {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, nil)
}

func TestSQLStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openTestDB(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reports.db")
	db, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, db.Close())

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	cols, err := tableColumns(ctx, db, "report_requests")
	require.NoError(t, err)
	for _, c := range reportRequestColumns {
		assert.True(t, cols[c.name], "column %s", c.name)
	}
}

func TestDeleteRemovesLedger(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t)
	require.NoError(t, s.Create(ctx, storetest.NewDraft("x")))
	require.NoError(t, s.ReplaceLedger(ctx, "x", nil))
	require.NoError(t, s.Delete(ctx, "x"))

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM report_transactions WHERE report_id = 'x'`).Scan(&n))
	assert.Zero(t, n)
}
