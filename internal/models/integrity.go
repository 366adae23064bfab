package models

import "time"

// Severity grades a suspicious event.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SuspiciousKind names the heuristic that raised an event.
type SuspiciousKind string

const (
	KindClockTampering     SuspiciousKind = "clock_tampering"
	KindMotionMismatch     SuspiciousKind = "motion_location_mismatch"
	KindRapidMovement      SuspiciousKind = "rapid_location_change"
	KindImpossibleMovement SuspiciousKind = "impossible_movement"
	KindDataInconsistency  SuspiciousKind = "data_inconsistency"
)

// SuspiciousEvent is an append-only integrity log record.
type SuspiciousEvent struct {
	ID         string         `json:"id" db:"id"`
	UserID     string         `json:"userId" db:"user_id"`
	Kind       SuspiciousKind `json:"kind" db:"kind"`
	Severity   Severity       `json:"severity" db:"severity"`
	DetectedAt time.Time      `json:"detectedAt" db:"detected_at"`
	Details    string         `json:"details" db:"details"`
}

// IntegrityScore is a point-in-time view of a user's plausibility score.
type IntegrityScore struct {
	UserID    string    `json:"userId"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updatedAt"`
	Passing   bool      `json:"passing"`
}
