package ledger

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geraldsadya/circles-backend-go/internal/config"
	"github.com/geraldsadya/circles-backend-go/internal/database"
	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/repository"
	"github.com/geraldsadya/circles-backend-go/pkg/logger"
)

var (
	ctx = context.Background()
	// a Monday
	t0  = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	day = "2025-03-03"
)

type fixture struct {
	db     *sql.DB
	ledger *Ledger
	rec    *events.Recorder
}

func newFixture(t *testing.T, userIDs ...string) *fixture {
	t.Helper()
	db, err := database.OpenMigrated(database.Config{Path: database.MemoryPath}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := repository.NewUserRepository(db)
	require.NoError(t, users.CreateCircle(ctx, models.Circle{ID: "circle-1", CreatedAt: t0}))
	for i, id := range userIDs {
		require.NoError(t, users.CreateUser(ctx, models.User{ID: id, CreatedAt: t0.Add(time.Duration(i) * time.Hour)}))
		require.NoError(t, users.AddMember(ctx, "circle-1", id, t0))
	}
	require.NoError(t, repository.NewChallengeRepository(db).SaveChallenge(ctx, models.Challenge{
		ID:                 "ch-1",
		CircleID:           "circle-1",
		VerificationMethod: models.MethodProof,
		FallbackMethod:     models.MethodProof,
		Frequency:          models.FrequencyDaily,
		Window:             models.Window{Start: t0.AddDate(0, 0, -7)},
		PointsOnPass:       10,
		PointsOnFail:       -3,
		Active:             true,
	}, t0))

	rec := &events.Recorder{}
	cfg := config.LedgerConfig{HangoutBonusPoints: 4, HangoutBonusMinSeconds: 900}
	l := New(db, cfg, time.UTC, rec, logger.Discard(), nil)
	l.now = func() time.Time { return t0 }
	return &fixture{db: db, ledger: l, rec: rec}
}

func pass(userID string) (models.ChallengeResult, models.LedgerEntry) {
	res := models.ChallengeResult{ChallengeID: "ch-1", UserID: userID, Day: day, Verified: true, Confidence: 1, Method: models.MethodProof, EvaluatedAt: t0}
	entry := models.LedgerEntry{UserID: userID, ChallengeID: "ch-1", Points: 10, Reason: models.ReasonChallengePass, IdempotencyKey: models.ResultKey("ch-1", userID, day)}
	return res, entry
}

func TestAppendIsIdempotent(t *testing.T) {
	f := newFixture(t, "alice")

	e := models.LedgerEntry{UserID: "alice", Points: 7, Reason: models.ReasonAdjustment, IdempotencyKey: "manual:1"}
	ok, err := f.ledger.Append(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.ledger.Append(ctx, e)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, int64(7), f.ledger.Total("alice"))
	assert.Len(t, f.rec.OfKind(events.KindLedgerAppended), 1)

	entries, err := f.ledger.Entries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, t0, entries[0].CreatedAt)
}

func TestRecordResultOnce(t *testing.T) {
	f := newFixture(t, "alice")
	res, entry := pass("alice")

	require.NoError(t, f.ledger.RecordResult(ctx, res, entry))
	assert.ErrorIs(t, f.ledger.RecordResult(ctx, res, entry), ErrDuplicate)

	assert.Equal(t, int64(10), f.ledger.Total("alice"))
	assert.Len(t, f.rec.OfKind(events.KindResultRecorded), 1)
}

func TestRecordResultConcurrentlyWritesOnce(t *testing.T) {
	f := newFixture(t, "alice")
	res, entry := pass("alice")

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.ledger.RecordResult(ctx, res, entry)
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				successes++
			case ErrDuplicate:
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 19, duplicates)
	require.NoError(t, f.ledger.Rebuild(ctx))
	assert.Equal(t, int64(10), f.ledger.Total("alice"))
}

func TestRecordResultRejectsInactiveChallenge(t *testing.T) {
	f := newFixture(t, "alice")
	require.NoError(t, repository.NewChallengeRepository(f.db).SetActive(ctx, "ch-1", false))

	res, entry := pass("alice")
	assert.ErrorIs(t, f.ledger.RecordResult(ctx, res, entry), ErrInactive)

	_, err := repository.NewResultRepository(f.db).GetResult(ctx, "ch-1", "alice", day)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Zero(t, f.ledger.Total("alice"))
}

func TestFailWithZeroPointsWritesNoEntry(t *testing.T) {
	f := newFixture(t, "alice")
	res, entry := pass("alice")
	res.Verified = false
	entry.Points = 0
	entry.Reason = models.ReasonChallengeFail

	require.NoError(t, f.ledger.RecordResult(ctx, res, entry))
	entries, err := f.ledger.Entries(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGroupBonusNeedsTwoPasses(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")

	res, entry := pass("alice")
	require.NoError(t, f.ledger.RecordResult(ctx, res, entry))
	granted, err := f.ledger.GrantGroupBonus(ctx, "ch-1", day, 5, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, granted)

	res, entry = pass("bob")
	require.NoError(t, f.ledger.RecordResult(ctx, res, entry))
	granted, err = f.ledger.GrantGroupBonus(ctx, "ch-1", day, 5, time.Time{})
	require.NoError(t, err)
	assert.Len(t, granted, 2)

	// re-evaluation grants nothing new
	granted, err = f.ledger.GrantGroupBonus(ctx, "ch-1", day, 5, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, granted)

	// a failing user never gets a bonus; a later passer gets exactly one
	res, entry = pass("carol")
	require.NoError(t, f.ledger.RecordResult(ctx, res, entry))
	granted, err = f.ledger.GrantGroupBonus(ctx, "ch-1", day, 5, time.Time{})
	require.NoError(t, err)
	require.Len(t, granted, 1)
	assert.Equal(t, "carol", granted[0].UserID)

	for _, id := range []string{"alice", "bob", "carol"} {
		assert.Equal(t, int64(15), f.ledger.Total(id), id)
	}
}

func TestHangoutBonus(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	s := models.HangoutSession{
		ID:                            "h1",
		ParticipantIDs:                []string{"alice", "bob"},
		StartedAt:                     t0,
		EndedAt:                       t0.Add(20 * time.Minute),
		PerParticipantDurationSeconds: map[string]float64{"alice": 1200, "bob": 600},
	}

	granted, err := f.ledger.GrantHangoutBonus(ctx, s)
	require.NoError(t, err)
	require.Len(t, granted, 1)
	assert.Equal(t, "alice", granted[0].UserID)
	assert.Equal(t, s.EndedAt, granted[0].CreatedAt)

	granted, err = f.ledger.GrantHangoutBonus(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, granted)
	assert.Equal(t, int64(4), f.ledger.Total("alice"))
}

func TestRankOrdering(t *testing.T) {
	members := []models.User{
		{ID: "dave", CreatedAt: t0.Add(3 * time.Hour)},
		{ID: "carol", CreatedAt: t0.Add(2 * time.Hour)},
		{ID: "bob", CreatedAt: t0},
		{ID: "alice", CreatedAt: t0},
		{ID: "erin", CreatedAt: t0.Add(4 * time.Hour)},
	}
	totals := map[string]int64{"alice": 10, "bob": 10, "carol": 25, "dave": 10}

	ranked := Rank(members, totals)
	require.Len(t, ranked, 5)
	want := []string{"carol", "alice", "bob", "dave", "erin"}
	for i, e := range ranked {
		assert.Equal(t, i+1, e.Rank)
		assert.Equal(t, want[i], e.UserID)
	}
	assert.True(t, ranked[2].Badge)
	assert.False(t, ranked[3].Badge)
	assert.False(t, ranked[4].Badge)
	assert.Zero(t, ranked[4].Points)

	// same input, same output
	assert.Equal(t, ranked, Rank(members, totals))
}

func TestWeeklySnapshotFoldsOnlyTheWeek(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")

	for _, e := range []models.LedgerEntry{
		{UserID: "alice", Points: 5, Reason: models.ReasonAdjustment, CreatedAt: t0},
		{UserID: "bob", Points: 8, Reason: models.ReasonAdjustment, CreatedAt: t0.Add(48 * time.Hour)},
		{UserID: "alice", Points: 50, Reason: models.ReasonAdjustment, CreatedAt: t0.AddDate(0, 0, -3)},
		{UserID: "carol", Points: 8, Reason: models.ReasonAdjustment, CreatedAt: t0.AddDate(0, 0, 7)},
	} {
		_, err := f.ledger.Append(ctx, e)
		require.NoError(t, err)
	}

	snap, err := f.ledger.WeeklySnapshot(ctx, "circle-1", t0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), snap.WeekStart)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), snap.WeekEnd)
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, "bob", snap.Entries[0].UserID)
	assert.Equal(t, int64(8), snap.Entries[0].Points)
	assert.Equal(t, "alice", snap.Entries[1].UserID)
	assert.Equal(t, int64(5), snap.Entries[1].Points)
	assert.Equal(t, "carol", snap.Entries[2].UserID)

	again, err := f.ledger.WeeklySnapshot(ctx, "circle-1", t0)
	require.NoError(t, err)
	assert.Equal(t, snap, again)
}

func TestCompletedWeekIsPersistedOnce(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	_, err := f.ledger.Append(ctx, models.LedgerEntry{UserID: "bob", Points: 3, Reason: models.ReasonAdjustment, CreatedAt: t0})
	require.NoError(t, err)

	nextWeek := t0.AddDate(0, 0, 7)
	require.NoError(t, f.ledger.PersistPreviousWeek(ctx, "circle-1", nextWeek))

	stored, ok, err := repository.NewSnapshotRepository(f.db).GetSnapshot(ctx, "circle-1", models.WeekStart(t0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bob", stored.Entries[0].UserID)

	// a late entry dated inside the closed week does not rewrite the stored snapshot
	_, err = f.ledger.Append(ctx, models.LedgerEntry{UserID: "alice", Points: 30, Reason: models.ReasonAdjustment, CreatedAt: t0})
	require.NoError(t, err)
	snap, err := f.ledger.Snapshot(ctx, "circle-1", t0, nextWeek)
	require.NoError(t, err)
	assert.Equal(t, "bob", snap.Entries[0].UserID)

	// the running week is computed, never stored
	_, err = f.ledger.Snapshot(ctx, "circle-1", nextWeek, nextWeek)
	require.NoError(t, err)
	_, ok, err = repository.NewSnapshotRepository(f.db).GetSnapshot(ctx, "circle-1", models.WeekStart(nextWeek, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok)
}
