package challenge

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/repository"
)

// Request is what a verifier is asked to decide.
type Request struct {
	Challenge   models.Challenge
	UserID      string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Verdict is a verifier's answer. Pending means the evidence has not arrived yet.
type Verdict struct {
	Passed     bool
	Confidence float64
	Pending    bool
	Value      float64
}

// Verifier decides one verification method.
type Verifier interface {
	Method() models.VerificationMethod
	Verify(ctx context.Context, req Request) (Verdict, error)
}

// MotionSource supplies motion classifier outputs.
type MotionSource interface {
	MotionBetween(ctx context.Context, subjectID string, from, to time.Time) ([]models.MotionEvent, error)
}

// ProofSource supplies proof-capture results.
type ProofSource interface {
	LatestProof(ctx context.Context, subjectID, challengeID string, from, to time.Time) (models.ProofResult, error)
}

// FocusSource supplies completed focus sessions.
type FocusSource interface {
	CompletedFocus(ctx context.Context, userID string, from, to time.Time) (int, float64, error)
}

// DwellSource answers whether a geofence pass was credited.
type DwellSource interface {
	CreditedBetween(subjectID, geofenceID string, from, to time.Time) (bool, float64)
}

// HangoutSource supplies closed hangout sessions.
type HangoutSource interface {
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]models.HangoutSession, error)
}

// MemberSource resolves circle membership.
type MemberSource interface {
	Members(ctx context.Context, circleID string) ([]models.User, error)
	CirclesOf(ctx context.Context, userID string) ([]string, error)
}

func threshold(value, target float64) Verdict {
	if target <= 0 {
		return Verdict{Passed: true, Confidence: 1, Value: value}
	}
	return Verdict{
		Passed:     value >= target,
		Confidence: math.Min(1, value/target),
		Value:      value,
	}
}

func unit(ch models.Challenge) string {
	return strings.ToLower(strings.TrimSpace(ch.TargetUnit))
}

// maxMotionGap caps how long one on-foot classification is credited.
const maxMotionGap = 5 * time.Minute

// MotionVerifier aggregates step counts, or on-foot minutes when the target
// unit is minutes.
type MotionVerifier struct {
	Source MotionSource
}

func (MotionVerifier) Method() models.VerificationMethod { return models.MethodMotion }

func (v MotionVerifier) Verify(ctx context.Context, req Request) (Verdict, error) {
	evs, err := v.Source.MotionBetween(ctx, req.UserID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return Verdict{}, err
	}
	if unit(req.Challenge) == "minutes" {
		return threshold(onFootMinutes(evs, req.PeriodEnd), req.Challenge.TargetValue), nil
	}
	var steps int64
	for _, e := range evs {
		if e.StepCount != nil {
			steps += *e.StepCount
		}
	}
	return threshold(float64(steps), req.Challenge.TargetValue), nil
}

func onFootMinutes(evs []models.MotionEvent, end time.Time) float64 {
	var total time.Duration
	for i, e := range evs {
		if !e.Activity.OnFoot() {
			continue
		}
		next := end
		if i+1 < len(evs) {
			next = evs[i+1].Timestamp
		}
		span := next.Sub(e.Timestamp)
		if span > maxMotionGap {
			span = maxMotionGap
		}
		if span > 0 {
			total += span
		}
	}
	return total.Minutes()
}

// LocationVerifier passes when the dwell evaluator credited the challenge's
// geofence during the period.
type LocationVerifier struct {
	Source DwellSource
}

func (LocationVerifier) Method() models.VerificationMethod { return models.MethodLocation }

func (v LocationVerifier) Verify(_ context.Context, req Request) (Verdict, error) {
	if req.Challenge.Geofence == nil {
		return Verdict{}, errors.New("challenge: location challenge without geofence")
	}
	credited, ratio := v.Source.CreditedBetween(req.UserID, req.Challenge.Geofence.ID, req.PeriodStart, req.PeriodEnd)
	if !credited {
		return Verdict{}, nil
	}
	return Verdict{Passed: true, Confidence: ratio, Value: 1}, nil
}

// ProofVerifier consumes the latest proof-capture result for the period.
type ProofVerifier struct {
	Source ProofSource
}

func (ProofVerifier) Method() models.VerificationMethod { return models.MethodProof }

func (v ProofVerifier) Verify(ctx context.Context, req Request) (Verdict, error) {
	p, err := v.Source.LatestProof(ctx, req.UserID, req.Challenge.ID, req.PeriodStart, req.PeriodEnd)
	if errors.Is(err, repository.ErrNotFound) {
		return Verdict{Pending: true}, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Passed: p.Passed, Confidence: p.Confidence, Value: 1}, nil
}

// ScreenTimeVerifier counts completed focus sessions, or their minutes when
// the target unit is minutes.
type ScreenTimeVerifier struct {
	Source FocusSource
}

func (ScreenTimeVerifier) Method() models.VerificationMethod { return models.MethodScreenTimeProxy }

func (v ScreenTimeVerifier) Verify(ctx context.Context, req Request) (Verdict, error) {
	count, minutes, err := v.Source.CompletedFocus(ctx, req.UserID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return Verdict{}, err
	}
	if unit(req.Challenge) == "minutes" {
		return threshold(minutes, req.Challenge.TargetValue), nil
	}
	return threshold(float64(count), req.Challenge.TargetValue), nil
}

// SocialVerifier sums hangout minutes spent with members of the challenge's
// circle, or counts those hangouts when the target unit is sessions.
type SocialVerifier struct {
	Hangouts HangoutSource
	Members  MemberSource
}

func (SocialVerifier) Method() models.VerificationMethod { return models.MethodSocial }

func (v SocialVerifier) Verify(ctx context.Context, req Request) (Verdict, error) {
	members, err := v.Members.Members(ctx, req.Challenge.CircleID)
	if err != nil {
		return Verdict{}, err
	}
	inCircle := make(map[string]bool, len(members))
	for _, m := range members {
		inCircle[m.ID] = true
	}

	sessions, err := v.Hangouts.ListByUser(ctx, req.UserID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return Verdict{}, err
	}
	var (
		seconds float64
		count   int
	)
	for _, s := range sessions {
		if s.EndedAt.Before(req.PeriodStart) || !s.EndedAt.Before(req.PeriodEnd) {
			continue
		}
		for _, id := range s.ParticipantIDs {
			if id != req.UserID && inCircle[id] {
				seconds += s.DurationFor(req.UserID)
				count++
				break
			}
		}
	}
	if unit(req.Challenge) == "sessions" {
		return threshold(float64(count), req.Challenge.TargetValue), nil
	}
	return threshold(seconds/60, req.Challenge.TargetValue), nil
}
