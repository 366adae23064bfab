package challenge

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
	"github.com/geraldsadya/circles-backend-go/internal/ledger"
	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/repository"
	"github.com/geraldsadya/circles-backend-go/pkg/logger"
)

var (
	ctx = context.Background()
	// a Monday
	t0       = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	today    = "2025-03-03"
	tomorrow = t0.AddDate(0, 0, 1)
)

type stubVerifier struct {
	method models.VerificationMethod

	mu    sync.Mutex
	calls int
	fn    func(req Request) (Verdict, error)
}

func (s *stubVerifier) Method() models.VerificationMethod { return s.method }

func (s *stubVerifier) Verify(_ context.Context, req Request) (Verdict, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(req)
}

func (s *stubVerifier) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func always(v Verdict, err error) func(Request) (Verdict, error) {
	return func(Request) (Verdict, error) { return v, err }
}

type gateFunc func(userID string, now time.Time) bool

func (f gateFunc) Passing(userID string, now time.Time) bool { return f(userID, now) }

type fixture struct {
	db      *sql.DB
	ledger  *ledger.Ledger
	results *repository.ResultRepository
	rec     *events.Recorder
	motion  *stubVerifier
	proof   *stubVerifier
	trusted map[string]bool
	eval    *Evaluator
}

func testConfig() Config {
	return Config{
		SweepConcurrency: 4,
		VerifierAttempts: 3,
		VerifierTimeout:  time.Second,
		VerifierBackoff:  time.Millisecond,
		GroupBonusPoints: 5,
		TriggerQueueSize: 8,
	}
}

func motionChallenge() models.Challenge {
	return models.Challenge{
		ID:                 "ch-walk",
		CircleID:           "circle-1",
		VerificationMethod: models.MethodMotion,
		FallbackMethod:     models.MethodProof,
		TargetValue:        8000,
		TargetUnit:         "steps",
		Frequency:          models.FrequencyDaily,
		Window:             models.Window{Start: t0.AddDate(0, 0, -7)},
		PointsOnPass:       10,
		PointsOnFail:       -3,
		Active:             true,
	}
}

func newFixture(t *testing.T, chs ...models.Challenge) *fixture {
	t.Helper()
	db, err := database.OpenMigrated(database.Config{Path: database.MemoryPath}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := repository.NewUserRepository(db)
	require.NoError(t, users.CreateCircle(ctx, models.Circle{ID: "circle-1", CreatedAt: t0}))
	for i, id := range []string{"alice", "bob"} {
		require.NoError(t, users.CreateUser(ctx, models.User{ID: id, CreatedAt: t0.Add(time.Duration(i) * time.Hour)}))
		require.NoError(t, users.AddMember(ctx, "circle-1", id, t0))
	}
	if len(chs) == 0 {
		chs = []models.Challenge{motionChallenge()}
	}
	for _, ch := range chs {
		require.NoError(t, repository.NewChallengeRepository(db).SaveChallenge(ctx, ch, t0))
	}

	f := &fixture{
		db:      db,
		results: repository.NewResultRepository(db),
		rec:     &events.Recorder{},
		motion:  &stubVerifier{method: models.MethodMotion, fn: always(Verdict{Passed: true, Confidence: 1}, nil)},
		proof:   &stubVerifier{method: models.MethodProof, fn: always(Verdict{Pending: true}, nil)},
		trusted: map[string]bool{"alice": true, "bob": true},
	}
	f.ledger = ledger.New(db, config.LedgerConfig{}, time.UTC, f.rec, logger.Discard(), nil)
	gate := gateFunc(func(userID string, _ time.Time) bool { return f.trusted[userID] })
	f.eval = NewEvaluator(testConfig(), f.ledger, f.results, gate, time.UTC, f.rec, logger.Discard(), nil, f.motion, f.proof)
	return f
}

func TestPassIsRecordedOnce(t *testing.T) {
	f := newFixture(t)
	ch := motionChallenge()

	out, err := f.eval.Evaluate(ctx, ch, "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePass, out.Status)
	assert.Equal(t, today, out.Day)
	assert.Equal(t, models.MethodMotion, out.Method)
	assert.Equal(t, int64(10), f.ledger.Total("alice"))

	out, err = f.eval.Evaluate(ctx, ch, "alice", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, out.Status)
	assert.Equal(t, 1, f.motion.Calls())
	assert.Equal(t, int64(10), f.ledger.Total("alice"))

	res, err := f.results.GetResult(ctx, ch.ID, "alice", today)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, models.MethodMotion, res.Method)
}

func TestShortfallStaysPendingUntilPeriodCloses(t *testing.T) {
	f := newFixture(t)
	f.motion.fn = always(Verdict{Passed: false, Confidence: 0.4}, nil)
	ch := motionChallenge()

	out, err := f.eval.Evaluate(ctx, ch, "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePending, out.Status)
	_, err = f.results.GetResult(ctx, ch.ID, "alice", today)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	out, err = f.eval.EvaluatePeriod(ctx, ch, "alice", t0, tomorrow)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFail, out.Status)
	assert.Equal(t, today, out.Day)
	assert.Equal(t, int64(-3), f.ledger.Total("alice"))
}

func TestPermissionDeniedIsUnverifiable(t *testing.T) {
	f := newFixture(t)
	f.motion.fn = always(Verdict{}, ErrPermissionDenied)

	out, err := f.eval.Evaluate(ctx, motionChallenge(), "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnverifiable, out.Status)
	assert.Equal(t, 1, f.motion.Calls())
	assert.Equal(t, int64(0), f.ledger.Total("alice"))

	evs := f.rec.OfKind(events.KindUnverifiable)
	require.Len(t, evs, 1)
	assert.Equal(t, "alice", evs[0].Subject())
}

func TestTransientFailureIsRetriedThenPending(t *testing.T) {
	f := newFixture(t)
	f.motion.fn = always(Verdict{}, ErrUnavailable)

	out, err := f.eval.Evaluate(ctx, motionChallenge(), "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePending, out.Status)
	assert.Equal(t, 3, f.motion.Calls())
	assert.Empty(t, f.rec.OfKind(events.KindUnverifiable))
}

func TestLowIntegrityUsesFallback(t *testing.T) {
	f := newFixture(t)
	f.trusted["alice"] = false
	ch := motionChallenge()

	out, err := f.eval.Evaluate(ctx, ch, "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePending, out.Status)
	assert.True(t, out.Fallback)
	assert.Equal(t, models.MethodProof, out.Method)
	assert.Zero(t, f.motion.Calls())

	_, err = f.eval.Evaluate(ctx, ch, "alice", t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, f.rec.OfKind(events.KindProofRequested), 1)

	f.proof.fn = always(Verdict{Passed: true, Confidence: 0.7}, nil)
	out, err = f.eval.Evaluate(ctx, ch, "alice", t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePass, out.Status)
	assert.True(t, out.Fallback)

	res, err := f.results.GetResult(ctx, ch.ID, "alice", today)
	require.NoError(t, err)
	assert.Equal(t, models.MethodProof, res.Method)
	assert.Equal(t, 0.7, res.Confidence)
}

func TestFallbackWithoutProofIsUnverifiable(t *testing.T) {
	f := newFixture(t)
	f.trusted["alice"] = false

	out, err := f.eval.EvaluatePeriod(ctx, motionChallenge(), "alice", t0, tomorrow)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnverifiable, out.Status)
	assert.True(t, out.Fallback)
	assert.Equal(t, int64(0), f.ledger.Total("alice"))

	f.proof.fn = always(Verdict{}, ErrUnavailable)
	out, err = f.eval.Evaluate(ctx, motionChallenge(), "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnverifiable, out.Status)
}

func TestMissingPrimaryProofFailsAfterClose(t *testing.T) {
	ch := motionChallenge()
	ch.ID = "ch-photo"
	ch.VerificationMethod = models.MethodProof
	f := newFixture(t, ch)

	out, err := f.eval.EvaluatePeriod(ctx, ch, "alice", t0, tomorrow)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFail, out.Status)
	assert.False(t, out.Fallback)
}

func TestSkips(t *testing.T) {
	f := newFixture(t)

	inactive := motionChallenge()
	inactive.Active = false
	notStarted := motionChallenge()
	notStarted.Window = models.Window{Start: t0.Add(time.Hour)}
	ended := motionChallenge()
	ended.Window = models.Window{Start: t0.AddDate(0, 0, -7), End: t0.AddDate(0, 0, -1)}

	for name, ch := range map[string]models.Challenge{
		"inactive":    inactive,
		"not started": notStarted,
		"ended":       ended,
	} {
		t.Run(name, func(t *testing.T) {
			out, err := f.eval.Evaluate(ctx, ch, "alice", t0)
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeSkipped, out.Status)
		})
	}
	assert.Zero(t, f.motion.Calls())
}

func TestDeactivatedDuringEvaluationIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ch := motionChallenge()
	f.motion.fn = func(Request) (Verdict, error) {
		require.NoError(t, repository.NewChallengeRepository(f.db).SetActive(ctx, ch.ID, false))
		return Verdict{Passed: true, Confidence: 1}, nil
	}

	out, err := f.eval.Evaluate(ctx, ch, "alice", t0)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSkipped, out.Status)
	assert.Equal(t, int64(0), f.ledger.Total("alice"))
}

func TestGroupBonusOncePerUser(t *testing.T) {
	f := newFixture(t)
	ch := motionChallenge()

	out, err := f.eval.Evaluate(ctx, ch, "alice", t0)
	require.NoError(t, err)
	require.Equal(t, models.OutcomePass, out.Status)
	assert.Equal(t, int64(10), f.ledger.Total("alice"))

	out, err = f.eval.Evaluate(ctx, ch, "bob", t0)
	require.NoError(t, err)
	require.Equal(t, models.OutcomePass, out.Status)
	assert.Equal(t, int64(15), f.ledger.Total("alice"))
	assert.Equal(t, int64(15), f.ledger.Total("bob"))

	for _, user := range []string{"alice", "bob"} {
		out, err = f.eval.Evaluate(ctx, ch, user, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeDuplicate, out.Status)
	}
	assert.Equal(t, int64(15), f.ledger.Total("alice"))
	assert.Equal(t, int64(15), f.ledger.Total("bob"))
}

func TestConcurrentEvaluationsRecordOnce(t *testing.T) {
	f := newFixture(t)
	ch := motionChallenge()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[models.OutcomeStatus]int{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.eval.Evaluate(ctx, ch, "alice", t0)
			assert.NoError(t, err)
			mu.Lock()
			statuses[out.Status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[models.OutcomePass])
	assert.Equal(t, 15, statuses[models.OutcomeDuplicate])
	assert.Equal(t, int64(10), f.ledger.Total("alice"))
	assert.Len(t, f.rec.OfKind(events.KindResultRecorded), 1)
}

func TestWeeklyChallengeKeysOnMonday(t *testing.T) {
	ch := motionChallenge()
	ch.ID = "ch-weekly"
	ch.Frequency = models.FrequencyWeekly
	f := newFixture(t, ch)

	var seen Request
	f.motion.fn = func(req Request) (Verdict, error) {
		seen = req
		return Verdict{Passed: true, Confidence: 1}, nil
	}

	thursday := t0.AddDate(0, 0, 3)
	out, err := f.eval.Evaluate(ctx, ch, "alice", thursday)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePass, out.Status)
	assert.Equal(t, today, out.Day)
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), seen.PeriodStart)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), seen.PeriodEnd)

	out, err = f.eval.Evaluate(ctx, ch, "alice", thursday.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, out.Status)
}

func TestClosedPeriodEntriesStayInTheirWeek(t *testing.T) {
	f := newFixture(t)
	ch := motionChallenge()
	sunday := t0.Add(-22 * time.Hour)

	for _, id := range []string{"alice", "bob"} {
		out, err := f.eval.EvaluatePeriod(ctx, ch, id, sunday, t0)
		require.NoError(t, err)
		require.Equal(t, models.OutcomePass, out.Status)
		assert.Equal(t, "2025-03-02", out.Day)
	}

	entries, err := f.ledger.Entries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, t0.Add(-10*time.Hour-time.Millisecond), e.CreatedAt.UTC(), e.Reason)
	}

	lastWeek, err := f.ledger.WeeklySnapshot(ctx, "circle-1", sunday)
	require.NoError(t, err)
	require.Len(t, lastWeek.Entries, 2)
	assert.Equal(t, int64(15), lastWeek.Entries[0].Points)

	thisWeek, err := f.ledger.WeeklySnapshot(ctx, "circle-1", t0)
	require.NoError(t, err)
	for _, e := range thisWeek.Entries {
		assert.Zero(t, e.Points, e.UserID)
	}
}
