// Package ledger is the append-only points ledger: result recording, bonuses,
// cached totals and weekly snapshots.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/geraldsadya/circles-backend-go/internal/config"
	"github.com/geraldsadya/circles-backend-go/internal/database"
	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/keylock"
	"github.com/geraldsadya/circles-backend-go/internal/metrics"
	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/repository"
)

var (
	// ErrDuplicate is returned when a result already exists for its key.
	ErrDuplicate = errors.New("ledger: result already recorded")
	// ErrInactive is returned when the challenge was deactivated before the write.
	ErrInactive = errors.New("ledger: challenge inactive")
)

// Ledger serializes writes per user and keeps folded totals in memory. The
// database is the source of truth; totals can always be rebuilt from it.
type Ledger struct {
	db        *sql.DB
	entries   *repository.LedgerRepository
	results   *repository.ResultRepository
	users     *repository.UserRepository
	snapshots *repository.SnapshotRepository

	cfg     config.LedgerConfig
	loc     *time.Location
	pub     events.Publisher
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	userLocks keylock.Locker

	totalsMu sync.RWMutex
	totals   map[string]int64
}

// New creates a ledger over db. pub and m may be nil.
func New(db *sql.DB, cfg config.LedgerConfig, loc *time.Location, pub events.Publisher, log logrus.FieldLogger, m *metrics.Metrics) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		db:        db,
		entries:   repository.NewLedgerRepository(db),
		results:   repository.NewResultRepository(db),
		users:     repository.NewUserRepository(db),
		snapshots: repository.NewSnapshotRepository(db),
		cfg:       cfg,
		loc:       loc,
		pub:       pub,
		log:       log.WithField("component", "ledger"),
		metrics:   m,
		now:       time.Now,
		totals:    make(map[string]int64),
	}
}

// Rebuild recomputes every cached total by folding the stored entries.
func (l *Ledger) Rebuild(ctx context.Context) error {
	totals, err := l.entries.Totals(ctx)
	if err != nil {
		return err
	}
	l.totalsMu.Lock()
	l.totals = totals
	l.totalsMu.Unlock()
	l.log.WithField("users", len(totals)).Info("ledger totals rebuilt")
	return nil
}

// Total returns the cached running total of a user.
func (l *Ledger) Total(userID string) int64 {
	l.totalsMu.RLock()
	defer l.totalsMu.RUnlock()
	return l.totals[userID]
}

// Fold sums entries per user.
func Fold(entries []models.LedgerEntry) map[string]int64 {
	out := make(map[string]int64)
	for _, e := range entries {
		out[e.UserID] += e.Points
	}
	return out
}

func (l *Ledger) fill(e *models.LedgerEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
}

func (l *Ledger) committed(e models.LedgerEntry) {
	l.totalsMu.Lock()
	l.totals[e.UserID] += e.Points
	l.totalsMu.Unlock()

	if l.metrics != nil {
		l.metrics.LedgerAppends.WithLabelValues(string(e.Reason)).Inc()
	}
	if l.pub != nil {
		l.pub.Publish(events.LedgerAppended{Entry: e})
	}
}

// Append inserts an entry. An entry whose idempotency key is already present
// is ignored and reported as not appended.
func (l *Ledger) Append(ctx context.Context, e models.LedgerEntry) (bool, error) {
	l.fill(&e)
	unlock := l.userLocks.Lock(e.UserID)
	defer unlock()

	ok, err := l.entries.Append(ctx, e)
	if err != nil || !ok {
		return false, err
	}
	l.committed(e)
	return true, nil
}

// RecordResult writes a challenge result and its pass or fail entry in one
// transaction. It returns ErrDuplicate when a result already exists for the
// key and ErrInactive when the challenge is gone or deactivated.
func (l *Ledger) RecordResult(ctx context.Context, res models.ChallengeResult, entry models.LedgerEntry) error {
	l.fill(&entry)
	unlock := l.userLocks.Lock(res.UserID)
	defer unlock()

	var appended bool
	err := database.Transaction(ctx, l.db, func(tx *sql.Tx) error {
		results := l.results.WithTx(tx)
		active, err := results.ChallengeActive(ctx, res.ChallengeID)
		if err != nil {
			return err
		}
		if !active {
			return ErrInactive
		}
		inserted, err := results.InsertResult(ctx, res)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrDuplicate
		}
		if entry.Points == 0 {
			return nil
		}
		appended, err = l.entries.WithTx(tx).Append(ctx, entry)
		return err
	})
	if err != nil {
		return err
	}

	if l.pub != nil {
		l.pub.Publish(events.ResultRecorded{Result: res})
	}
	if appended {
		l.committed(entry)
	}
	return nil
}

// GrantGroupBonus appends one bonus entry per verified user once at least two
// users passed the challenge on day, dated at. It returns the entries appended
// by this call.
func (l *Ledger) GrantGroupBonus(ctx context.Context, challengeID, day string, points int64, at time.Time) ([]models.LedgerEntry, error) {
	if points <= 0 {
		return nil, nil
	}
	verified, err := l.results.VerifiedUsers(ctx, challengeID, day)
	if err != nil {
		return nil, err
	}
	if len(verified) < 2 {
		return nil, nil
	}

	var granted []models.LedgerEntry
	for _, userID := range verified {
		e := models.LedgerEntry{
			UserID:         userID,
			ChallengeID:    challengeID,
			Points:         points,
			Reason:         models.ReasonGroupBonus,
			IdempotencyKey: models.GroupBonusKey(challengeID, userID, day),
			CreatedAt:      at,
		}
		l.fill(&e)
		ok, err := l.Append(ctx, e)
		if err != nil {
			return granted, fmt.Errorf("failed to grant group bonus: %w", err)
		}
		if ok {
			granted = append(granted, e)
		}
	}
	return granted, nil
}

// GrantHangoutBonus credits every participant of a long enough session once.
func (l *Ledger) GrantHangoutBonus(ctx context.Context, s models.HangoutSession) ([]models.LedgerEntry, error) {
	if l.cfg.HangoutBonusPoints <= 0 {
		return nil, nil
	}
	var granted []models.LedgerEntry
	for _, userID := range s.ParticipantIDs {
		if s.DurationFor(userID) < l.cfg.HangoutBonusMinSeconds {
			continue
		}
		e := models.LedgerEntry{
			UserID:         userID,
			Points:         l.cfg.HangoutBonusPoints,
			Reason:         models.ReasonHangoutBonus,
			IdempotencyKey: models.HangoutBonusKey(s.ID, userID),
			CreatedAt:      s.EndedAt,
		}
		l.fill(&e)
		ok, err := l.Append(ctx, e)
		if err != nil {
			return granted, fmt.Errorf("failed to grant hangout bonus: %w", err)
		}
		if ok {
			granted = append(granted, e)
		}
	}
	return granted, nil
}

// Entries returns every entry of a user in insertion order.
func (l *Ledger) Entries(ctx context.Context, userID string) ([]models.LedgerEntry, error) {
	return l.entries.ListByUser(ctx, userID)
}
