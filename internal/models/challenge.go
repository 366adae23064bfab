package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// VerificationMethod is the closed set of ways a challenge can be verified.
type VerificationMethod string

const (
	MethodMotion          VerificationMethod = "motion"
	MethodLocation        VerificationMethod = "location"
	MethodProof           VerificationMethod = "proof"
	MethodScreenTimeProxy VerificationMethod = "screen_time_proxy"
	MethodSocial          VerificationMethod = "social"
)

// ParseVerificationMethod accepts the canonical names plus the camel-case
// spelling emitted by older composers.
func ParseVerificationMethod(raw string) (VerificationMethod, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "motion":
		return MethodMotion, nil
	case "location":
		return MethodLocation, nil
	case "proof":
		return MethodProof, nil
	case "screen_time_proxy", "screentimeproxy":
		return MethodScreenTimeProxy, nil
	case "social":
		return MethodSocial, nil
	}
	return "", fmt.Errorf("unknown verification method %q", raw)
}

// Frequency is how often a challenge can be completed.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// ParseFrequency maps a wire value onto Frequency.
func ParseFrequency(raw string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(raw))) {
	case FrequencyDaily:
		return FrequencyDaily, nil
	case FrequencyWeekly:
		return FrequencyWeekly, nil
	}
	return "", fmt.Errorf("unknown frequency %q", raw)
}

// Window bounds when a challenge may be evaluated. A zero End is open-ended.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	return w.End.IsZero() || t.Before(w.End)
}

// Challenge is a declared commitment plus its verification parameters.
type Challenge struct {
	ID                 string             `json:"id" db:"id"`
	CircleID           string             `json:"circleId" db:"circle_id"`
	VerificationMethod VerificationMethod `json:"verificationMethod" db:"verification_method"`
	FallbackMethod     VerificationMethod `json:"fallbackMethod" db:"fallback_method"`
	TargetValue        float64            `json:"targetValue" db:"target_value"`
	TargetUnit         string             `json:"targetUnit" db:"target_unit"`
	Frequency          Frequency          `json:"frequency" db:"frequency"`
	Window             Window             `json:"window"`
	PointsOnPass       int64              `json:"pointsOnPass" db:"points_on_pass"`
	PointsOnFail       int64              `json:"pointsOnFail" db:"points_on_fail"`
	BonusPoints        int64              `json:"bonusPoints" db:"bonus_points"`
	Active             bool               `json:"active" db:"active"`
	Geofence           *Geofence          `json:"geofence,omitempty"`
}

// PeriodKey returns the idempotence day for t. Daily challenges key on the
// calendar date; weekly ones on the date of the Monday that opens the week.
func (c Challenge) PeriodKey(t time.Time, loc *time.Location) string {
	return PeriodStart(c.Frequency, t, loc).Format(DayLayout)
}

// DayLayout is the string form of a ChallengeResult day.
const DayLayout = "2006-01-02"

// PeriodStart returns the local midnight that opens the period containing t.
func PeriodStart(freq Frequency, t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if freq != FrequencyWeekly {
		return day
	}
	return WeekStart(day, loc)
}

// WeekStart returns the Monday 00:00 of the week containing t.
func WeekStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return day.AddDate(0, 0, -offset)
}

// PeriodEnd returns the instant that closes the period opened by start.
func PeriodEnd(freq Frequency, start time.Time) time.Time {
	if freq == FrequencyWeekly {
		return start.AddDate(0, 0, 7)
	}
	return start.AddDate(0, 0, 1)
}

// GeofenceDefinition is the wire form of an optional geofence.
type GeofenceDefinition struct {
	Lat             float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon             float64 `json:"lon" validate:"gte=-180,lte=180"`
	RadiusMeters    float64 `json:"radiusMeters" validate:"gt=0"`
	MinDwellMinutes float64 `json:"minDwellMinutes" validate:"gt=0"`
	CooldownHours   float64 `json:"cooldownHours" validate:"gte=0"`
}

// ChallengeDefinition is the externally authored challenge schema.
type ChallengeDefinition struct {
	ID                 string              `json:"id" validate:"required"`
	CircleID           string              `json:"circleId" validate:"required"`
	VerificationMethod string              `json:"verificationMethod" validate:"required"`
	FallbackMethod     string              `json:"fallbackMethod"`
	TargetValue        float64             `json:"targetValue" validate:"gte=0"`
	TargetUnit         string              `json:"targetUnit"`
	Frequency          string              `json:"frequency" validate:"required,oneof=daily weekly"`
	WindowStart        time.Time           `json:"windowStart" validate:"required"`
	WindowEnd          time.Time           `json:"windowEnd"`
	PointsOnPass       int64               `json:"pointsOnPass" validate:"gte=0"`
	PointsOnFail       int64               `json:"pointsOnFail" validate:"lte=0"`
	BonusPoints        int64               `json:"bonusPoints" validate:"gte=0"`
	Geofence           *GeofenceDefinition `json:"geofence,omitempty" validate:"omitempty"`
}

var definitionValidator = validator.New()

// ErrInvalidDefinition marks a challenge definition rejected at the boundary.
var ErrInvalidDefinition = errors.New("invalid challenge definition")

// ToChallenge validates the definition and converts it into the closed domain form.
func (d ChallengeDefinition) ToChallenge() (Challenge, error) {
	if err := definitionValidator.Struct(d); err != nil {
		return Challenge{}, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	method, err := ParseVerificationMethod(d.VerificationMethod)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	fallback := MethodProof
	if d.FallbackMethod != "" {
		if fallback, err = ParseVerificationMethod(d.FallbackMethod); err != nil {
			return Challenge{}, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
		}
	}
	freq, err := ParseFrequency(d.Frequency)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	if !d.WindowEnd.IsZero() && !d.WindowEnd.After(d.WindowStart) {
		return Challenge{}, fmt.Errorf("%w: window end before start", ErrInvalidDefinition)
	}
	if method == MethodLocation && d.Geofence == nil {
		return Challenge{}, fmt.Errorf("%w: location challenge needs a geofence", ErrInvalidDefinition)
	}

	c := Challenge{
		ID:                 d.ID,
		CircleID:           d.CircleID,
		VerificationMethod: method,
		FallbackMethod:     fallback,
		TargetValue:        d.TargetValue,
		TargetUnit:         d.TargetUnit,
		Frequency:          freq,
		Window:             Window{Start: d.WindowStart, End: d.WindowEnd},
		PointsOnPass:       d.PointsOnPass,
		PointsOnFail:       d.PointsOnFail,
		BonusPoints:        d.BonusPoints,
		Active:             true,
	}
	if g := d.Geofence; g != nil {
		c.Geofence = &Geofence{
			ID:               "gf-" + d.ID,
			OwnerChallengeID: d.ID,
			Center:           Coordinate{Lat: g.Lat, Lon: g.Lon},
			RadiusMeters:     g.RadiusMeters,
			MinDwellMinutes:  g.MinDwellMinutes,
			CooldownHours:    g.CooldownHours,
		}
	}
	return c, nil
}

// ChallengeResult is the proof record. At most one exists per (challenge, user, day).
type ChallengeResult struct {
	ChallengeID string             `json:"challengeId" db:"challenge_id"`
	UserID      string             `json:"userId" db:"user_id"`
	Day         string             `json:"day" db:"day"`
	Verified    bool               `json:"verified" db:"verified"`
	Confidence  float64            `json:"confidence" db:"confidence"`
	Method      VerificationMethod `json:"method" db:"method"`
	EvaluatedAt time.Time          `json:"evaluatedAt" db:"evaluated_at"`
}

// OutcomeStatus is the structured result handed back to callers.
type OutcomeStatus string

const (
	OutcomePass         OutcomeStatus = "pass"
	OutcomeFail         OutcomeStatus = "fail"
	OutcomeUnverifiable OutcomeStatus = "unverifiable"
	OutcomePending      OutcomeStatus = "pending"
	OutcomeSkipped      OutcomeStatus = "skipped"
	OutcomeDuplicate    OutcomeStatus = "duplicate"
)

// Outcome describes what a single evaluation did.
type Outcome struct {
	ChallengeID string             `json:"challengeId"`
	UserID      string             `json:"userId"`
	Day         string             `json:"day"`
	Status      OutcomeStatus      `json:"status"`
	Method      VerificationMethod `json:"method,omitempty"`
	Confidence  float64            `json:"confidence"`
	Fallback    bool               `json:"fallback"`
	Reason      string             `json:"reason,omitempty"`
}
