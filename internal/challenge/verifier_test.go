package challenge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/repository"
)

type motionFake []models.MotionEvent

func (f motionFake) MotionBetween(_ context.Context, _ string, from, to time.Time) ([]models.MotionEvent, error) {
	var out []models.MotionEvent
	for _, e := range f {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

type proofFake struct {
	proof models.ProofResult
	err   error
}

func (f proofFake) LatestProof(context.Context, string, string, time.Time, time.Time) (models.ProofResult, error) {
	return f.proof, f.err
}

type focusFake struct {
	count   int
	minutes float64
}

func (f focusFake) CompletedFocus(context.Context, string, time.Time, time.Time) (int, float64, error) {
	return f.count, f.minutes, nil
}

type dwellFake map[string]models.DwellCredit

func (f dwellFake) CreditedBetween(_, geofenceID string, from, to time.Time) (bool, float64) {
	c, ok := f[geofenceID]
	if !ok || c.End.Before(from) || !c.End.Before(to) {
		return false, 0
	}
	return true, c.Ratio
}

type hangoutFake []models.HangoutSession

func (f hangoutFake) ListByUser(_ context.Context, userID string, _, _ time.Time) ([]models.HangoutSession, error) {
	var out []models.HangoutSession
	for _, s := range f {
		if s.Includes(userID) {
			out = append(out, s)
		}
	}
	return out, nil
}

type memberFake map[string][]string

func (f memberFake) Members(_ context.Context, circleID string) ([]models.User, error) {
	var out []models.User
	for _, id := range f[circleID] {
		out = append(out, models.User{ID: id})
	}
	return out, nil
}

func (f memberFake) CirclesOf(_ context.Context, userID string) ([]string, error) {
	var out []string
	for circle, ids := range f {
		for _, id := range ids {
			if id == userID {
				out = append(out, circle)
			}
		}
	}
	return out, nil
}

func steps(n int64) *int64 { return &n }

func dayRequest(ch models.Challenge) Request {
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	return Request{Challenge: ch, UserID: "alice", PeriodStart: start, PeriodEnd: start.AddDate(0, 0, 1)}
}

func TestMotionVerifierSumsSteps(t *testing.T) {
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	src := motionFake{
		{SubjectID: "alice", Activity: models.ActivityWalking, Timestamp: start.Add(8 * time.Hour), StepCount: steps(4000)},
		{SubjectID: "alice", Activity: models.ActivityRunning, Timestamp: start.Add(9 * time.Hour), StepCount: steps(3000)},
		{SubjectID: "alice", Activity: models.ActivityWalking, Timestamp: start.Add(-time.Hour), StepCount: steps(9000)},
	}
	ch := models.Challenge{TargetValue: 10000, TargetUnit: "steps"}

	v, err := MotionVerifier{Source: src}.Verify(context.Background(), dayRequest(ch))
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Equal(t, 7000.0, v.Value)
	assert.InDelta(t, 0.7, v.Confidence, 1e-9)

	ch.TargetValue = 7000
	v, err = MotionVerifier{Source: src}.Verify(context.Background(), dayRequest(ch))
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestMotionVerifierCountsOnFootMinutes(t *testing.T) {
	start := time.Date(2025, 3, 3, 7, 0, 0, 0, time.UTC)
	var src motionFake
	for i := 0; i < 10; i++ {
		src = append(src, models.MotionEvent{SubjectID: "alice", Activity: models.ActivityRunning, Timestamp: start.Add(time.Duration(i) * 2 * time.Minute)})
	}
	src = append(src, models.MotionEvent{SubjectID: "alice", Activity: models.ActivityStationary, Timestamp: start.Add(20 * time.Minute)})
	ch := models.Challenge{TargetValue: 20, TargetUnit: "Minutes"}

	v, err := MotionVerifier{Source: src}.Verify(context.Background(), dayRequest(ch))
	require.NoError(t, err)
	assert.InDelta(t, 20, v.Value, 1e-9)
	assert.True(t, v.Passed)
}

func TestLocationVerifier(t *testing.T) {
	ch := models.Challenge{Geofence: &models.Geofence{ID: "gf-gym"}}
	req := dayRequest(ch)
	credit := models.DwellCredit{GeofenceID: "gf-gym", End: req.PeriodStart.Add(10 * time.Hour), Ratio: 0.9}

	v, err := LocationVerifier{Source: dwellFake{"gf-gym": credit}}.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Equal(t, 0.9, v.Confidence)

	// a pass earned the next day does not count for this one
	credit.End = req.PeriodEnd.Add(10 * time.Hour)
	v, err = LocationVerifier{Source: dwellFake{"gf-gym": credit}}.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, v.Passed)

	v, err = LocationVerifier{Source: dwellFake{}}.Verify(context.Background(), dayRequest(ch))
	require.NoError(t, err)
	assert.False(t, v.Passed)

	_, err = LocationVerifier{Source: dwellFake{}}.Verify(context.Background(), dayRequest(models.Challenge{}))
	assert.Error(t, err)
}

func TestProofVerifier(t *testing.T) {
	ch := models.Challenge{ID: "ch-1"}

	v, err := ProofVerifier{Source: proofFake{err: repository.ErrNotFound}}.Verify(context.Background(), dayRequest(ch))
	require.NoError(t, err)
	assert.True(t, v.Pending)

	v, err = ProofVerifier{Source: proofFake{proof: models.ProofResult{Passed: true, Confidence: 0.8}}}.Verify(context.Background(), dayRequest(ch))
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Equal(t, 0.8, v.Confidence)

	_, err = ProofVerifier{Source: proofFake{err: ErrPermissionDenied}}.Verify(context.Background(), dayRequest(ch))
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestScreenTimeVerifier(t *testing.T) {
	v, err := ScreenTimeVerifier{Source: focusFake{count: 2, minutes: 50}}.Verify(context.Background(), dayRequest(models.Challenge{TargetValue: 3}))
	require.NoError(t, err)
	assert.False(t, v.Passed)

	v, err = ScreenTimeVerifier{Source: focusFake{count: 2, minutes: 50}}.Verify(context.Background(), dayRequest(models.Challenge{TargetValue: 45, TargetUnit: "minutes"}))
	require.NoError(t, err)
	assert.True(t, v.Passed)
}

func TestSocialVerifierCountsCircleMembersOnly(t *testing.T) {
	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	sessions := hangoutFake{
		{ID: "s1", ParticipantIDs: []string{"alice", "bob"}, EndedAt: day.Add(12 * time.Hour), PerParticipantDurationSeconds: map[string]float64{"alice": 1200, "bob": 1200}},
		{ID: "s2", ParticipantIDs: []string{"alice", "mallory"}, EndedAt: day.Add(14 * time.Hour), PerParticipantDurationSeconds: map[string]float64{"alice": 3600, "mallory": 3600}},
		{ID: "s3", ParticipantIDs: []string{"alice", "bob"}, EndedAt: day.Add(-time.Hour), PerParticipantDurationSeconds: map[string]float64{"alice": 3600, "bob": 3600}},
	}
	members := memberFake{"circle-1": {"alice", "bob"}}
	v := SocialVerifier{Hangouts: sessions, Members: members}

	got, err := v.Verify(context.Background(), dayRequest(models.Challenge{CircleID: "circle-1", TargetValue: 30}))
	require.NoError(t, err)
	assert.InDelta(t, 20, got.Value, 1e-9)
	assert.False(t, got.Passed)

	got, err = v.Verify(context.Background(), dayRequest(models.Challenge{CircleID: "circle-1", TargetValue: 1, TargetUnit: "sessions"}))
	require.NoError(t, err)
	assert.True(t, got.Passed)
}
