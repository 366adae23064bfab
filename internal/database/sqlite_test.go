package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geraldsadya/circles-backend-go/pkg/logger"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenMigrated(Config{Path: MemoryPath}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrator(db, logger.Discard()).Up(context.Background()))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)

	pending, err := NewMigrator(db, logger.Discard()).Pending(1)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestForeignKeyCascade(t *testing.T) {
	db := openTestDB(t)
	exec := func(q string, args ...any) {
		t.Helper()
		_, err := db.Exec(q, args...)
		require.NoError(t, err)
	}
	exec("INSERT INTO circles (id, created_at) VALUES ('c1', 0)")
	exec("INSERT INTO challenges (id, circle_id, verification_method, fallback_method, frequency, window_start, created_at) VALUES ('ch1', 'c1', 'location', 'proof', 'daily', 0, 0)")
	exec("INSERT INTO geofences (id, challenge_id, lat, lon, radius_meters, min_dwell_minutes, cooldown_hours) VALUES ('g1', 'ch1', 0, 0, 75, 20, 3)")
	exec("INSERT INTO dwell_states (subject_id, geofence_id, seconds_inside, sample_count_total, sample_count_sufficient) VALUES ('u1', 'g1', 10, 1, 1)")

	exec("DELETE FROM circles WHERE id = 'c1'")

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM dwell_states").Scan(&n))
	assert.Zero(t, n)
}

func TestLedgerRowsRejectUpdates(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec("INSERT INTO users (id, created_at) VALUES ('u1', 0)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO ledger_entries (id, user_id, points, reason, created_at) VALUES ('e1', 'u1', 5, 'adjustment', 0)")
	require.NoError(t, err)

	_, err = db.Exec("UPDATE ledger_entries SET points = 50 WHERE id = 'e1'")
	assert.Error(t, err)
}

func TestTransactionRollsBack(t *testing.T) {
	db := openTestDB(t)
	boom := errors.New("boom")

	err := Transaction(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO users (id, created_at) VALUES ('u1', 0)"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM users").Scan(&n))
	assert.Zero(t, n)
}
