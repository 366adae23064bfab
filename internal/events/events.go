// Package events carries typed notifications between the verification
// components and out to the sync layer.
package events

import (
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// Kind names an event type on the wire.
type Kind string

const (
	KindSessionStarted   Kind = "hangout.started"
	KindSessionExtended  Kind = "hangout.extended"
	KindSessionEnded     Kind = "hangout.ended"
	KindGeofenceCredited Kind = "geofence.credited"
	KindResultRecorded   Kind = "challenge.result_recorded"
	KindUnverifiable     Kind = "challenge.unverifiable"
	KindProofRequested   Kind = "proof.requested"
	KindProofReceived    Kind = "proof.received"
	KindSuspiciousLogged Kind = "integrity.suspicious_logged"
	KindLedgerAppended   Kind = "ledger.appended"
)

// Event is the closed set of notifications. Only types in this package implement it.
type Event interface {
	Kind() Kind
	OccurredAt() time.Time
	// Subject is the user the event is primarily about, used as the partition key.
	Subject() string
	sealed()
}

// SessionStarted fires when a pair transitions Candidate to Active.
type SessionStarted struct {
	PairKey      string    `json:"pairKey"`
	Participants [2]string `json:"participants"`
	StartedAt    time.Time `json:"startedAt"`
}

// SessionExtended fires while an active hangout keeps accumulating time.
type SessionExtended struct {
	PairKey            string    `json:"pairKey"`
	Participants       [2]string `json:"participants"`
	AccumulatedSeconds float64   `json:"accumulatedSeconds"`
	At                 time.Time `json:"at"`
	Resumed            bool      `json:"resumed"`
}

// SessionEnded carries the closed hangout session.
type SessionEnded struct {
	Session models.HangoutSession `json:"session"`
}

// GeofenceCredited fires when a dwell pass is credited.
type GeofenceCredited struct {
	Credit models.DwellCredit `json:"credit"`
}

// ResultRecorded fires after a ChallengeResult is durably written.
type ResultRecorded struct {
	Result models.ChallengeResult `json:"result"`
}

// Unverifiable fires when an evaluation could not reach a verdict and needs a manual fallback.
type Unverifiable struct {
	Outcome models.Outcome `json:"outcome"`
	At      time.Time      `json:"at"`
}

// ProofRequested asks the capture collaborator to collect a live proof.
type ProofRequested struct {
	UserID      string    `json:"userId"`
	ChallengeID string    `json:"challengeId,omitempty"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// ProofReceived fires when a proof-capture result is ingested.
type ProofReceived struct {
	Proof models.ProofResult `json:"proof"`
}

// SuspiciousLogged fires for every integrity event.
type SuspiciousLogged struct {
	Event models.SuspiciousEvent `json:"event"`
}

// LedgerAppended fires for every committed ledger entry.
type LedgerAppended struct {
	Entry models.LedgerEntry `json:"entry"`
}

func (SessionStarted) Kind() Kind   { return KindSessionStarted }
func (SessionExtended) Kind() Kind  { return KindSessionExtended }
func (SessionEnded) Kind() Kind     { return KindSessionEnded }
func (GeofenceCredited) Kind() Kind { return KindGeofenceCredited }
func (ResultRecorded) Kind() Kind   { return KindResultRecorded }
func (Unverifiable) Kind() Kind     { return KindUnverifiable }
func (ProofRequested) Kind() Kind   { return KindProofRequested }
func (ProofReceived) Kind() Kind    { return KindProofReceived }
func (SuspiciousLogged) Kind() Kind { return KindSuspiciousLogged }
func (LedgerAppended) Kind() Kind   { return KindLedgerAppended }

func (e SessionStarted) OccurredAt() time.Time   { return e.StartedAt }
func (e SessionExtended) OccurredAt() time.Time  { return e.At }
func (e SessionEnded) OccurredAt() time.Time     { return e.Session.EndedAt }
func (e GeofenceCredited) OccurredAt() time.Time { return e.Credit.End }
func (e ResultRecorded) OccurredAt() time.Time   { return e.Result.EvaluatedAt }
func (e Unverifiable) OccurredAt() time.Time     { return e.At }
func (e ProofRequested) OccurredAt() time.Time   { return e.At }
func (e ProofReceived) OccurredAt() time.Time    { return e.Proof.Timestamp }
func (e SuspiciousLogged) OccurredAt() time.Time { return e.Event.DetectedAt }
func (e LedgerAppended) OccurredAt() time.Time   { return e.Entry.CreatedAt }

func (e SessionStarted) Subject() string  { return e.Participants[0] }
func (e SessionExtended) Subject() string { return e.Participants[0] }
func (e SessionEnded) Subject() string {
	if len(e.Session.ParticipantIDs) == 0 {
		return ""
	}
	return e.Session.ParticipantIDs[0]
}
func (e GeofenceCredited) Subject() string { return e.Credit.SubjectID }
func (e ResultRecorded) Subject() string   { return e.Result.UserID }
func (e Unverifiable) Subject() string     { return e.Outcome.UserID }
func (e ProofRequested) Subject() string   { return e.UserID }
func (e ProofReceived) Subject() string    { return e.Proof.SubjectID }
func (e SuspiciousLogged) Subject() string { return e.Event.UserID }
func (e LedgerAppended) Subject() string   { return e.Entry.UserID }

func (SessionStarted) sealed()   {}
func (SessionExtended) sealed()  {}
func (SessionEnded) sealed()     {}
func (GeofenceCredited) sealed() {}
func (ResultRecorded) sealed()   {}
func (Unverifiable) sealed()     {}
func (ProofRequested) sealed()   {}
func (ProofReceived) sealed()    {}
func (SuspiciousLogged) sealed() {}
func (LedgerAppended) sealed()   {}
