package models

import "time"

// Geofence is a circular region owned by a location challenge.
type Geofence struct {
	ID               string     `json:"id" db:"id" validate:"required"`
	OwnerChallengeID string     `json:"ownerChallengeId" db:"challenge_id"`
	Center           Coordinate `json:"center"`
	RadiusMeters     float64    `json:"radiusMeters" db:"radius_meters" validate:"gt=0"`
	MinDwellMinutes  float64    `json:"minDwellMinutes" db:"min_dwell_minutes" validate:"gt=0"`
	CooldownHours    float64    `json:"cooldownHours" db:"cooldown_hours" validate:"gte=0"`
}

// MinDwell returns the dwell requirement as a duration.
func (g Geofence) MinDwell() time.Duration {
	return time.Duration(g.MinDwellMinutes * float64(time.Minute))
}

// Cooldown returns the post-credit suppression window.
func (g Geofence) Cooldown() time.Duration {
	return time.Duration(g.CooldownHours * float64(time.Hour))
}

// DwellState is the per (subject, geofence) accumulator.
type DwellState struct {
	SubjectID             string    `json:"subjectId" db:"subject_id"`
	GeofenceID            string    `json:"geofenceId" db:"geofence_id"`
	SecondsInside         float64   `json:"secondsInside" db:"seconds_inside"`
	SampleCountTotal      int       `json:"sampleCountTotal" db:"sample_count_total"`
	SampleCountSufficient int       `json:"sampleCountSufficient" db:"sample_count_sufficient"`
	LastCreditAt          time.Time `json:"lastCreditAt" db:"last_credit_at"`
	LastCreditRatio       float64   `json:"lastCreditRatio" db:"last_credit_ratio"`
	LastSampleAt          time.Time `json:"lastSampleAt" db:"last_sample_at"`
	LastSampleInside      bool      `json:"lastSampleInside" db:"last_sample_inside"`
	VisitStartedAt        time.Time `json:"visitStartedAt" db:"visit_started_at"`
}

// AccuracyRatio is the share of inside samples whose accuracy was sufficient.
func (d DwellState) AccuracyRatio() float64 {
	if d.SampleCountTotal == 0 {
		return 0
	}
	return float64(d.SampleCountSufficient) / float64(d.SampleCountTotal)
}

// DwellCredit records one credited visit to a geofence.
type DwellCredit struct {
	SubjectID    string     `json:"subjectId"`
	GeofenceID   string     `json:"geofenceId"`
	ChallengeID  string     `json:"challengeId"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Center       Coordinate `json:"center"`
	RadiusMeters float64    `json:"radiusMeters"`
	Ratio        float64    `json:"ratio"`
}
