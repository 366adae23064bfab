package dwell

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geraldsadya/circles-backend-go/internal/config"
	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/pkg/logger"
)

var (
	t0   = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	park = models.Coordinate{Lat: 40.7829, Lon: -73.9654}
)

func gymChallenge() models.Challenge {
	return models.Challenge{
		ID:                 "ch-gym",
		CircleID:           "circle-1",
		VerificationMethod: models.MethodLocation,
		Frequency:          models.FrequencyDaily,
		Window:             models.Window{Start: t0.Add(-time.Hour)},
		Active:             true,
		Geofence: &models.Geofence{
			ID:              "gf-ch-gym",
			Center:          park,
			RadiusMeters:    75,
			MinDwellMinutes: 20,
			CooldownHours:   3,
		},
	}
}

func newTestEvaluator(t *testing.T) (*Evaluator, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	e := NewEvaluator(config.Load().Dwell, time.UTC, rec, logger.Discard(), nil)
	require.NoError(t, e.Register(gymChallenge()))
	return e, rec
}

// visit sends a sample every 30s inside the fence for the given span. Every
// seventh sample has poor accuracy, about 85% sufficient overall.
func visit(e *Evaluator, start time.Time, span time.Duration) []models.DwellCredit {
	var credits []models.DwellCredit
	i := 0
	for at := time.Duration(0); at <= span; at += 30 * time.Second {
		acc := 40.0
		if i%7 == 0 {
			acc = 60
		}
		i++
		credits = append(credits, e.Observe(models.PositionSample{
			SubjectID:      "alice",
			Coordinate:     models.Coordinate{Lat: park.Lat + 0.0001, Lon: park.Lon},
			AccuracyMeters: acc,
			CapturedAt:     start.Add(at),
		})...)
	}
	return credits
}

func TestDwellCreditedOnceWithinCooldown(t *testing.T) {
	e, rec := newTestEvaluator(t)

	credits := visit(e, t0, 22*time.Minute)
	require.Len(t, credits, 1)
	c := credits[0]
	assert.Equal(t, "ch-gym", c.ChallengeID)
	assert.Equal(t, t0, c.Start)
	assert.Equal(t, t0.Add(20*time.Minute), c.End)
	assert.GreaterOrEqual(t, c.Ratio, 0.8)
	assert.Len(t, rec.OfKind(events.KindGeofenceCredited), 1)

	ok, ratio := e.CreditedBetween("alice", "gf-ch-gym", t0, t0.Add(24*time.Hour))
	assert.True(t, ok)
	assert.Equal(t, c.Ratio, ratio)

	// second visit inside the 3h cooldown
	assert.Empty(t, visit(e, t0.Add(2*time.Hour), 25*time.Minute))

	// and one after it
	assert.Len(t, visit(e, t0.Add(4*time.Hour), 22*time.Minute), 1)
}

func TestDwellRequiresAccuracyRatio(t *testing.T) {
	e, _ := newTestEvaluator(t)

	for i := 0; i <= 60; i++ {
		acc := 20.0
		if i%2 == 0 {
			acc = 80
		}
		credits := e.Observe(models.PositionSample{
			SubjectID:      "alice",
			Coordinate:     park,
			AccuracyMeters: acc,
			CapturedAt:     t0.Add(time.Duration(i) * 30 * time.Second),
		})
		assert.Empty(t, credits)
	}

	st, ok := e.State("alice", "gf-ch-gym")
	require.True(t, ok)
	assert.InDelta(t, 1800, st.SecondsInside, 0.001)
	assert.Less(t, st.AccuracyRatio(), 0.8)
}

func TestDwellClampsLongGaps(t *testing.T) {
	e, _ := newTestEvaluator(t)

	e.Observe(models.PositionSample{SubjectID: "alice", Coordinate: park, AccuracyMeters: 10, CapturedAt: t0})
	e.Observe(models.PositionSample{SubjectID: "alice", Coordinate: park, AccuracyMeters: 10, CapturedAt: t0.Add(30 * time.Minute)})

	st, ok := e.State("alice", "gf-ch-gym")
	require.True(t, ok)
	assert.InDelta(t, 300, st.SecondsInside, 0.001)
	assert.Equal(t, 2, st.SampleCountTotal)
}

func TestDwellIgnoresTimeOutside(t *testing.T) {
	e, _ := newTestEvaluator(t)
	far := models.Coordinate{Lat: park.Lat + 0.01, Lon: park.Lon}

	e.Observe(models.PositionSample{SubjectID: "alice", Coordinate: park, AccuracyMeters: 10, CapturedAt: t0})
	e.Observe(models.PositionSample{SubjectID: "alice", Coordinate: far, AccuracyMeters: 10, CapturedAt: t0.Add(time.Minute)})
	e.Observe(models.PositionSample{SubjectID: "alice", Coordinate: park, AccuracyMeters: 10, CapturedAt: t0.Add(2 * time.Minute)})
	e.Observe(models.PositionSample{SubjectID: "alice", Coordinate: park, AccuracyMeters: 10, CapturedAt: t0.Add(3 * time.Minute)})

	st, _ := e.State("alice", "gf-ch-gym")
	assert.InDelta(t, 60, st.SecondsInside, 0.001)
	assert.Equal(t, 3, st.SampleCountTotal)
}

func TestDwellOutsideWindowOrInactive(t *testing.T) {
	e := NewEvaluator(config.Load().Dwell, time.UTC, nil, logger.Discard(), nil)
	ch := gymChallenge()
	ch.Window = models.Window{Start: t0.Add(time.Hour)}
	require.NoError(t, e.Register(ch))

	assert.Empty(t, visit(e, t0, 22*time.Minute))
	_, ok := e.State("alice", "gf-ch-gym")
	assert.False(t, ok)

	ch = gymChallenge()
	ch.Active = false
	require.NoError(t, e.Register(ch))
	assert.Empty(t, visit(e, t0.Add(2*time.Hour), 22*time.Minute))
}

func TestDwellDropsOutOfOrderSamples(t *testing.T) {
	e, _ := newTestEvaluator(t)

	e.Observe(models.PositionSample{SubjectID: "alice", Coordinate: park, AccuracyMeters: 10, CapturedAt: t0.Add(time.Minute)})
	e.Observe(models.PositionSample{SubjectID: "alice", Coordinate: park, AccuracyMeters: 10, CapturedAt: t0})

	st, _ := e.State("alice", "gf-ch-gym")
	assert.Equal(t, 1, st.SampleCountTotal)
	assert.Equal(t, t0.Add(time.Minute), st.LastSampleAt)
}

func TestDwellResetsAtPeriodBoundary(t *testing.T) {
	e, _ := newTestEvaluator(t)
	late := time.Date(2025, 3, 3, 23, 50, 0, 0, time.UTC)

	assert.Empty(t, visit(e, late, 15*time.Minute))

	st, _ := e.State("alice", "gf-ch-gym")
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), st.VisitStartedAt)
	assert.Less(t, st.SecondsInside, 600.0)
}

func TestRegisterRequiresGeofence(t *testing.T) {
	e := NewEvaluator(config.Load().Dwell, time.UTC, nil, logger.Discard(), nil)
	ch := gymChallenge()
	ch.Geofence = nil
	assert.ErrorIs(t, e.Register(ch), ErrNoGeofence)
}

func TestUnregisterDropsState(t *testing.T) {
	e, _ := newTestEvaluator(t)
	visit(e, t0, 5*time.Minute)
	require.Len(t, e.Snapshot(), 1)

	e.Unregister("ch-gym")

	assert.Empty(t, e.Snapshot())
	assert.Empty(t, visit(e, t0.Add(time.Hour), 22*time.Minute))
}

func TestSnapshotRestore(t *testing.T) {
	e, _ := newTestEvaluator(t)
	visit(e, t0, 10*time.Minute)
	states := e.Snapshot()
	require.Len(t, states, 1)

	restored, _ := newTestEvaluator(t)
	restored.Restore(states)

	credits := visit(restored, t0.Add(10*time.Minute+30*time.Second), 12*time.Minute)
	require.Len(t, credits, 1)
	assert.Equal(t, t0, credits[0].Start)
}

func TestCreditsOverlapQuery(t *testing.T) {
	e, _ := newTestEvaluator(t)
	visit(e, t0, 22*time.Minute)

	assert.Len(t, e.Credits("alice", t0.Add(10*time.Minute), t0.Add(time.Hour)), 1)
	assert.Empty(t, e.Credits("alice", t0.Add(time.Hour), t0.Add(2*time.Hour)))

	e.Forget("alice")
	assert.Empty(t, e.Credits("alice", t0, t0.Add(time.Hour)))
	ok, _ := e.CreditedBetween("alice", "gf-ch-gym", t0, t0.Add(time.Hour))
	assert.False(t, ok)
}

func TestCreditedBetweenIgnoresLaterPeriods(t *testing.T) {
	e, _ := newTestEvaluator(t)
	day := t0.Add(24 * time.Hour)
	visit(e, day, 22*time.Minute)

	ok, _ := e.CreditedBetween("alice", "gf-ch-gym", t0, day)
	assert.False(t, ok, "credit from the next day")

	ok, _ = e.CreditedBetween("alice", "gf-ch-gym", day, day.Add(24*time.Hour))
	assert.True(t, ok)

	// the earlier pass is still found after a later one
	visit(e, day.Add(5*time.Hour), 22*time.Minute)
	ok, _ = e.CreditedBetween("alice", "gf-ch-gym", day, day.Add(time.Hour))
	assert.True(t, ok)
}
