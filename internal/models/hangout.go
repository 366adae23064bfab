package models

import "time"

// PairStatus is the hangout state of an unordered pair of users.
type PairStatus string

const (
	PairIdle      PairStatus = "idle"
	PairCandidate PairStatus = "candidate"
	PairActive    PairStatus = "active"
	PairEnded     PairStatus = "ended"
)

// PairState is the persisted checkpoint of one pair's state machine.
type PairState struct {
	PairKey                string     `json:"pairKey" db:"pair_key"`
	SubjectA               string     `json:"subjectA" db:"subject_a"`
	SubjectB               string     `json:"subjectB" db:"subject_b"`
	Status                 PairStatus `json:"status" db:"status"`
	CandidateSince         time.Time  `json:"candidateSince" db:"candidate_since"`
	ActiveSince            time.Time  `json:"activeSince" db:"active_since"`
	LastQualifyingSampleAt time.Time  `json:"lastQualifyingSampleAt" db:"last_qualifying_at"`
	DisqualifiedAt         time.Time  `json:"disqualifiedAt" db:"disqualified_at"`
	AccumulatedSeconds     float64    `json:"accumulatedSeconds" db:"accumulated_seconds"`
	LastEvaluatedAt        time.Time  `json:"lastEvaluatedAt" db:"last_evaluated_at"`
	Center                 Coordinate `json:"center"`
}

// HangoutSession is a closed period of co-presence. Immutable once emitted.
type HangoutSession struct {
	ID                            string             `json:"id" db:"id"`
	ParticipantIDs                []string           `json:"participantIds"`
	StartedAt                     time.Time          `json:"startedAt" db:"started_at"`
	EndedAt                       time.Time          `json:"endedAt" db:"ended_at"`
	PerParticipantDurationSeconds map[string]float64 `json:"perParticipantDurationSeconds"`
	Center                        Coordinate         `json:"center"`
}

// DurationFor returns the accumulated co-presence seconds credited to a participant.
func (h HangoutSession) DurationFor(userID string) float64 {
	return h.PerParticipantDurationSeconds[userID]
}

// Includes reports whether userID took part in the session.
func (h HangoutSession) Includes(userID string) bool {
	for _, id := range h.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}
