// Package service wires the verification components into the Core facade
// used by the HTTP adapter and the process entry point.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/geraldsadya/circles-backend-go/internal/challenge"
	"github.com/geraldsadya/circles-backend-go/internal/config"
	"github.com/geraldsadya/circles-backend-go/internal/dwell"
	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/integrity"
	"github.com/geraldsadya/circles-backend-go/internal/ledger"
	"github.com/geraldsadya/circles-backend-go/internal/metrics"
	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/proximity"
	"github.com/geraldsadya/circles-backend-go/internal/repository"
)

// Core owns every verification component and the stores behind them.
type Core struct {
	db      *sql.DB
	cfg     *config.Config
	bus     *events.Bus
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	users      *repository.UserRepository
	challenges *repository.ChallengeRepository
	results    *repository.ResultRepository
	sensors    *repository.SensorRepository
	hangouts   *repository.HangoutRepository
	states     *repository.StateRepository
	suspicious *repository.SuspiciousEventRepository

	detector  *proximity.Detector
	dwell     *dwell.Evaluator
	integrity *integrity.Scorer
	ledger    *ledger.Ledger
	evaluator *challenge.Evaluator
	scheduler *challenge.Scheduler

	peersMu sync.RWMutex
	circles map[string][]string
	peers   map[string][]string

	pendingMu sync.Mutex
	pending   map[string]models.HangoutSession
}

// New builds the core over an opened, migrated database. m may be nil.
func New(db *sql.DB, cfg *config.Config, bus *events.Bus, log logrus.FieldLogger, m *metrics.Metrics) *Core {
	if m == nil {
		m = metrics.New(nil)
	}
	c := &Core{
		db:         db,
		cfg:        cfg,
		bus:        bus,
		log:        log.WithField("component", "core"),
		metrics:    m,
		now:        time.Now,
		users:      repository.NewUserRepository(db),
		challenges: repository.NewChallengeRepository(db),
		results:    repository.NewResultRepository(db),
		sensors:    repository.NewSensorRepository(db),
		hangouts:   repository.NewHangoutRepository(db),
		states:     repository.NewStateRepository(db),
		suspicious: repository.NewSuspiciousEventRepository(db),
		circles:    make(map[string][]string),
		peers:      make(map[string][]string),
		pending:    make(map[string]models.HangoutSession),
	}

	c.detector = proximity.NewDetector(cfg.Proximity, proximity.PeerFunc(c.peersOf), bus, log, m)
	c.dwell = dwell.NewEvaluator(cfg.Dwell, cfg.Location, bus, log, m)
	c.integrity = integrity.NewScorer(cfg.Integrity, c.suspicious, bus, log, m)
	c.ledger = ledger.New(db, cfg.Ledger, cfg.Location, bus, log, m)
	c.evaluator = challenge.NewEvaluator(cfg.Challenge, c.ledger, c.results, c.integrity, cfg.Location, bus, log, m,
		challenge.MotionVerifier{Source: c.sensors},
		challenge.LocationVerifier{Source: c.dwell},
		challenge.ProofVerifier{Source: c.sensors},
		challenge.ScreenTimeVerifier{Source: c.sensors},
		challenge.SocialVerifier{Hangouts: c.hangouts, Members: c.users},
	)
	c.scheduler = challenge.NewScheduler(c.evaluator, c.users, cfg.Challenge, log).
		WithClock(func() time.Time { return c.now() })
	c.scheduler.AddMaintenance("retention", c.purge)
	c.scheduler.AddMaintenance("weekly_snapshots", c.persistSnapshots)
	bus.Subscribe(c.scheduler.Handle)
	return c
}

// Start restores every component from the database: memberships, ledger
// totals, scheduled challenges, checkpointed pair and dwell states and the
// integrity scores of users with retained events.
func (c *Core) Start(ctx context.Context) error {
	if err := c.refreshMembership(ctx); err != nil {
		return err
	}
	if err := c.ledger.Rebuild(ctx); err != nil {
		return fmt.Errorf("failed to rebuild ledger: %w", err)
	}

	active, err := c.challenges.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load challenges: %w", err)
	}
	for _, ch := range active {
		c.schedule(ch)
	}

	pairs, err := c.states.LoadPairStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pair states: %w", err)
	}
	c.detector.Restore(pairs)

	dwells, err := c.states.LoadDwellStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load dwell states: %w", err)
	}
	c.dwell.Restore(dwells)

	now := c.now()
	byUser, err := c.suspicious.ListSince(ctx, now.Add(-c.cfg.Integrity.Retention))
	if err != nil {
		return fmt.Errorf("failed to load integrity events: %w", err)
	}
	for userID, evs := range byUser {
		c.integrity.Rebuild(userID, evs)
	}

	c.log.WithFields(logrus.Fields{
		"challenges": len(active),
		"pairs":      len(pairs),
		"dwell":      len(dwells),
		"flagged":    len(byUser),
	}).Info("core restored")
	return nil
}

// Run drives the scheduler and the state tick until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	go c.scheduler.Run(ctx)

	interval := c.cfg.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled here
			if err := c.checkpoint(context.Background()); err != nil {
				c.log.WithError(err).Error("final checkpoint failed")
			}
			return
		case <-ticker.C:
			if err := c.Tick(ctx, c.now()); err != nil {
				c.log.WithError(err).Warn("tick finished with errors")
			}
		}
	}
}

// Tick closes stale hangouts, retries queued session writes and checkpoints
// the in-memory state machines.
func (c *Core) Tick(ctx context.Context, now time.Time) error {
	c.retryPending(ctx)
	c.sessionsClosed(ctx, c.detector.Tick(now))
	return c.checkpoint(ctx)
}

func (c *Core) checkpoint(ctx context.Context) error {
	var errs []error
	if err := c.states.ReplacePairStates(ctx, c.detector.Snapshot()); err != nil {
		errs = append(errs, err)
	}
	if err := c.states.SaveDwellStates(ctx, c.dwell.Snapshot()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sessionsClosed persists closed sessions and grants their bonuses. Failures
// are queued and retried on the next tick.
func (c *Core) sessionsClosed(ctx context.Context, sessions []models.HangoutSession) {
	for _, s := range sessions {
		if err := c.settleSession(ctx, s); err != nil {
			c.metrics.PersistFailures.WithLabelValues("hangout_session").Inc()
			c.log.WithField("session_id", s.ID).WithError(err).Warn("hangout session queued for retry")
			c.pendingMu.Lock()
			c.pending[s.ID] = s
			c.pendingMu.Unlock()
		}
	}
}

func (c *Core) settleSession(ctx context.Context, s models.HangoutSession) error {
	if err := c.hangouts.SaveSession(ctx, s); err != nil {
		return err
	}
	if _, err := c.ledger.GrantHangoutBonus(ctx, s); err != nil {
		return err
	}
	for _, userID := range s.ParticipantIDs {
		if err := c.checkClaims(ctx, userID, s.StartedAt, s.EndedAt); err != nil {
			c.log.WithField("user_id", userID).WithError(err).Warn("consistency check failed")
		}
	}
	return nil
}

func (c *Core) retryPending(ctx context.Context) {
	c.pendingMu.Lock()
	queued := make([]models.HangoutSession, 0, len(c.pending))
	for _, s := range c.pending {
		queued = append(queued, s)
	}
	c.pending = make(map[string]models.HangoutSession)
	c.pendingMu.Unlock()

	sort.Slice(queued, func(i, j int) bool { return queued[i].EndedAt.Before(queued[j].EndedAt) })
	c.sessionsClosed(ctx, queued)
}

// PendingSessions returns how many closed sessions still wait to be persisted.
func (c *Core) PendingSessions() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// checkClaims compares every presence claim of the user overlapping [from, to].
func (c *Core) checkClaims(ctx context.Context, userID string, from, to time.Time) error {
	sessions, err := c.hangouts.ListByUser(ctx, userID, from, to)
	if err != nil {
		return err
	}
	claims := make([]integrity.Interval, 0, len(sessions))
	for _, s := range sessions {
		claims = append(claims, integrity.HangoutInterval(s, c.cfg.Proximity.QualifyDistanceMeters))
	}
	for _, cr := range c.dwell.Credits(userID, from, to) {
		claims = append(claims, integrity.CreditInterval(cr))
	}
	if len(claims) < 2 {
		return nil
	}
	_, err = c.integrity.CheckConsistency(ctx, userID, claims)
	return err
}

func (c *Core) purge(ctx context.Context, now time.Time) error {
	before := now.Add(-c.cfg.Integrity.Retention)
	n, err := c.suspicious.PurgeBefore(ctx, before)
	if err != nil {
		return err
	}
	dropped := c.integrity.Purge(before)
	if err := c.sensors.PurgeBefore(ctx, before); err != nil {
		return err
	}
	if n > 0 || dropped > 0 {
		c.log.WithFields(logrus.Fields{"stored": n, "cached": dropped}).Info("integrity events purged")
	}
	return nil
}

func (c *Core) persistSnapshots(ctx context.Context, now time.Time) error {
	c.peersMu.RLock()
	ids := make([]string, 0, len(c.circles))
	for id := range c.circles {
		ids = append(ids, id)
	}
	c.peersMu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := c.ledger.PersistPreviousWeek(ctx, id, now); err != nil {
			errs = append(errs, fmt.Errorf("circle %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Core) refreshMembership(ctx context.Context) error {
	circles, err := c.users.Memberships(ctx)
	if err != nil {
		return fmt.Errorf("failed to load memberships: %w", err)
	}
	peers := make(map[string][]string)
	for _, members := range circles {
		for _, a := range members {
			for _, b := range members {
				if a != b {
					peers[a] = append(peers[a], b)
				}
			}
		}
	}
	for id, list := range peers {
		sort.Strings(list)
		peers[id] = compact(list)
	}

	c.peersMu.Lock()
	c.circles = circles
	c.peers = peers
	c.peersMu.Unlock()
	return nil
}

func compact(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

func (c *Core) peersOf(subjectID string) []string {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	return c.peers[subjectID]
}

func (c *Core) schedule(ch models.Challenge) {
	c.scheduler.Register(ch)
	if ch.Geofence == nil {
		return
	}
	if err := c.dwell.Register(ch); err != nil {
		c.log.WithField("challenge_id", ch.ID).WithError(err).Warn("geofence not registered")
	}
}
