package models

import (
	"fmt"
	"time"
)

// LedgerReason is the reason code carried by a ledger entry.
type LedgerReason string

const (
	ReasonChallengePass LedgerReason = "challenge_pass"
	ReasonChallengeFail LedgerReason = "challenge_fail"
	ReasonGroupBonus    LedgerReason = "group_bonus"
	ReasonHangoutBonus  LedgerReason = "hangout_bonus"
	ReasonAdjustment    LedgerReason = "adjustment"
)

// LedgerEntry is an immutable point grant or penalty.
type LedgerEntry struct {
	ID             string       `json:"id" db:"id"`
	UserID         string       `json:"userId" db:"user_id"`
	ChallengeID    string       `json:"challengeId,omitempty" db:"challenge_id"`
	Points         int64        `json:"points" db:"points"`
	Reason         LedgerReason `json:"reason" db:"reason"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty" db:"idem_key"`
	CreatedAt      time.Time    `json:"createdAt" db:"created_at"`
}

// ResultKey is the idempotency key of the pass/fail entry for a result.
func ResultKey(challengeID, userID, day string) string {
	return fmt.Sprintf("result:%s:%s:%s", challengeID, userID, day)
}

// GroupBonusKey is the idempotency key of a group bonus entry.
func GroupBonusKey(challengeID, userID, day string) string {
	return fmt.Sprintf("%s:%s:%s:%s", ReasonGroupBonus, challengeID, userID, day)
}

// HangoutBonusKey is the idempotency key of a hangout bonus entry.
func HangoutBonusKey(sessionID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", ReasonHangoutBonus, sessionID, userID)
}

// SnapshotEntry is one ranked row of a weekly snapshot.
type SnapshotEntry struct {
	Rank   int    `json:"rank"`
	UserID string `json:"userId"`
	Points int64  `json:"points"`
	Badge  bool   `json:"badge"`
}

// WeeklySnapshot is the deterministic ranking of a circle for one week.
type WeeklySnapshot struct {
	CircleID  string          `json:"circleId"`
	WeekStart time.Time       `json:"weekStart"`
	WeekEnd   time.Time       `json:"weekEnd"`
	Entries   []SnapshotEntry `json:"entries"`
}

// User is the subset of identity the core needs for tie-breaking and cascades.
type User struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Circle groups users who can hang out and share challenges.
type Circle struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
