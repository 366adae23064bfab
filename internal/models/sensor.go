package models

import (
	"fmt"
	"strings"
	"time"
)

// ActivityKind is the motion classifier label.
type ActivityKind string

const (
	ActivityStationary ActivityKind = "stationary"
	ActivityWalking    ActivityKind = "walking"
	ActivityRunning    ActivityKind = "running"
	ActivityDriving    ActivityKind = "driving"
)

// ParseActivityKind maps a wire value onto the closed set of activity kinds.
func ParseActivityKind(raw string) (ActivityKind, error) {
	switch k := ActivityKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case ActivityStationary, ActivityWalking, ActivityRunning, ActivityDriving:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown activity %q", ErrInvalidSample, raw)
}

// OnFoot reports whether the activity implies the subject is moving under their own power.
func (k ActivityKind) OnFoot() bool {
	return k == ActivityWalking || k == ActivityRunning
}

// MotionEvent is one motion classifier output.
type MotionEvent struct {
	ID        int64        `json:"id" db:"id"`
	SubjectID string       `json:"subjectId" db:"subject_id"`
	Activity  ActivityKind `json:"activity" db:"activity"`
	Timestamp time.Time    `json:"timestamp" db:"ts"`
	StepCount *int64       `json:"stepCount,omitempty" db:"step_count"`
}

// Validate checks the boundary invariants of a motion event.
func (e MotionEvent) Validate() error {
	if e.SubjectID == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidSample)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSample)
	}
	if _, err := ParseActivityKind(string(e.Activity)); err != nil {
		return err
	}
	if e.StepCount != nil && *e.StepCount < 0 {
		return fmt.Errorf("%w: negative step count", ErrInvalidSample)
	}
	return nil
}

// ProofResult is the outcome of an externally captured proof.
type ProofResult struct {
	ID          int64     `json:"id" db:"id"`
	SubjectID   string    `json:"subjectId" db:"subject_id"`
	ChallengeID string    `json:"challengeId" db:"challenge_id"`
	Passed      bool      `json:"passed" db:"passed"`
	Confidence  float64   `json:"confidence" db:"confidence"`
	Timestamp   time.Time `json:"timestamp" db:"ts"`
}

// Validate checks the boundary invariants of a proof result.
func (p ProofResult) Validate() error {
	switch {
	case p.SubjectID == "" || p.ChallengeID == "":
		return fmt.Errorf("%w: missing subject or challenge", ErrInvalidSample)
	case p.Confidence < 0 || p.Confidence > 1:
		return fmt.Errorf("%w: confidence outside [0,1]", ErrInvalidSample)
	case p.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSample)
	}
	return nil
}

// ClockReading pairs the device wall clock with its monotonic uptime.
type ClockReading struct {
	SubjectID  string        `json:"subjectId"`
	DeviceTime time.Time     `json:"deviceTime"`
	Uptime     time.Duration `json:"uptime"`
}

// FocusSession is a logged focus period used as the screen-time proxy.
type FocusSession struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"userId" db:"user_id"`
	StartedAt time.Time `json:"startedAt" db:"started_at"`
	EndedAt   time.Time `json:"endedAt" db:"ended_at"`
	Completed bool      `json:"completed" db:"completed"`
}

// Validate checks the boundary invariants of a clock reading.
func (r ClockReading) Validate() error {
	switch {
	case r.SubjectID == "":
		return fmt.Errorf("%w: missing subject", ErrInvalidSample)
	case r.DeviceTime.IsZero():
		return fmt.Errorf("%w: missing device time", ErrInvalidSample)
	case r.Uptime < 0:
		return fmt.Errorf("%w: negative uptime", ErrInvalidSample)
	}
	return nil
}

// Validate checks the boundary invariants of a focus session.
func (f FocusSession) Validate() error {
	switch {
	case f.ID == "" || f.UserID == "":
		return fmt.Errorf("%w: missing id or user", ErrInvalidSample)
	case f.StartedAt.IsZero() || !f.EndedAt.After(f.StartedAt):
		return fmt.Errorf("%w: focus session must end after it starts", ErrInvalidSample)
	}
	return nil
}
