package challenge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// ChallengeLister loads the challenges to schedule on start.
type ChallengeLister interface {
	ListActive(ctx context.Context) ([]models.Challenge, error)
}

// Task is a maintenance hook run after every sweep.
type Task func(ctx context.Context, now time.Time) error

type maintenance struct {
	name string
	run  Task
}

type job struct {
	challenge models.Challenge
	userID    string
	at        time.Time
}

// Scheduler drives the evaluator from a periodic sweep and from bus events.
type Scheduler struct {
	eval    *Evaluator
	members MemberSource
	cfg     Config
	log     logrus.FieldLogger
	now     func() time.Time

	mu         sync.RWMutex
	challenges map[string]models.Challenge
	tasks      []maintenance

	triggers chan events.Event
}

// NewScheduler creates a scheduler with an empty registry.
func NewScheduler(eval *Evaluator, members MemberSource, cfg Config, log logrus.FieldLogger) *Scheduler {
	size := cfg.TriggerQueueSize
	if size <= 0 {
		size = 64
	}
	return &Scheduler{
		eval:       eval,
		members:    members,
		cfg:        cfg,
		log:        log.WithField("component", "challenge_scheduler"),
		now:        time.Now,
		challenges: make(map[string]models.Challenge),
		triggers:   make(chan events.Event, size),
	}
}

// WithClock replaces the clock used to judge triggered evaluations.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Load registers every active challenge from the store.
func (s *Scheduler) Load(ctx context.Context, store ChallengeLister) error {
	list, err := store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load challenges: %w", err)
	}
	for _, ch := range list {
		s.Register(ch)
	}
	s.log.WithField("challenges", len(list)).Info("challenges scheduled")
	return nil
}

// Register schedules ch, replacing any previous definition with the same ID.
// Inactive challenges are unregistered instead.
func (s *Scheduler) Register(ch models.Challenge) {
	if !ch.Active {
		s.Unregister(ch.ID)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[ch.ID] = ch
}

// Unregister stops scheduling a challenge. Evaluations already running finish
// but are discarded by the ledger's active check.
func (s *Scheduler) Unregister(challengeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, challengeID)
}

// Challenge returns a registered challenge.
func (s *Scheduler) Challenge(id string) (models.Challenge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.challenges[id]
	return ch, ok
}

// Registered returns the scheduled challenges ordered by ID.
func (s *Scheduler) Registered() []models.Challenge {
	s.mu.RLock()
	out := make([]models.Challenge, 0, len(s.challenges))
	for _, ch := range s.challenges {
		out = append(out, ch)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddMaintenance adds a hook run at the end of each sweep.
func (s *Scheduler) AddMaintenance(name string, fn Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, maintenance{name: name, run: fn})
}

// Sweep evaluates every registered challenge for every member of its circle,
// for the current period and the one that just closed. Evaluation failures are
// logged per job; the returned error covers member lookups and maintenance.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) ([]models.Outcome, error) {
	var (
		jobs []job
		errs []error
	)
	for _, ch := range s.Registered() {
		members, err := s.members.Members(ctx, ch.CircleID)
		if err != nil {
			errs = append(errs, fmt.Errorf("members of circle %s: %w", ch.CircleID, err))
			continue
		}
		prev := models.PeriodStart(ch.Frequency, now, s.eval.loc).Add(-time.Nanosecond)
		for _, m := range members {
			jobs = append(jobs, job{challenge: ch, userID: m.ID, at: now})
			if !prev.Before(ch.Window.Start) {
				jobs = append(jobs, job{challenge: ch, userID: m.ID, at: prev})
			}
		}
	}

	outcomes := s.run(ctx, jobs, now)

	s.mu.RLock()
	tasks := append([]maintenance(nil), s.tasks...)
	s.mu.RUnlock()
	for _, t := range tasks {
		if err := t.run(ctx, now); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
	}
	s.eval.PruneRequests(now)

	s.log.WithFields(logrus.Fields{
		"jobs":     len(jobs),
		"outcomes": summarize(outcomes),
	}).Debug("sweep finished")
	return outcomes, errors.Join(errs...)
}

func (s *Scheduler) run(ctx context.Context, jobs []job, now time.Time) []models.Outcome {
	var (
		mu       sync.Mutex
		outcomes = make([]models.Outcome, 0, len(jobs))
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.SweepConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, j := range jobs {
		j := j
		g.Go(func() error {
			out, err := s.eval.EvaluatePeriod(gctx, j.challenge, j.userID, j.at, now)
			if err != nil {
				s.log.WithFields(logrus.Fields{
					"challenge_id": j.challenge.ID,
					"user_id":      j.userID,
				}).WithError(err).Error("challenge evaluation failed")
				return gctx.Err()
			}
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(outcomes, func(i, k int) bool {
		a, b := outcomes[i], outcomes[k]
		if a.ChallengeID != b.ChallengeID {
			return a.ChallengeID < b.ChallengeID
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.Day < b.Day
	})
	return outcomes
}

func summarize(outcomes []models.Outcome) map[models.OutcomeStatus]int {
	out := make(map[models.OutcomeStatus]int)
	for _, o := range outcomes {
		out[o.Status]++
	}
	return out
}

// Handle is an events.Handler. It only queues; a full queue drops the trigger
// and leaves the work to the next sweep.
func (s *Scheduler) Handle(e events.Event) {
	switch e.(type) {
	case events.SessionEnded, events.GeofenceCredited, events.ProofReceived:
	default:
		return
	}
	select {
	case s.triggers <- e:
	default:
		s.log.WithField("kind", e.Kind()).Warn("trigger queue full, deferring to sweep")
	}
}

// Drain evaluates every queued trigger and returns the outcomes.
func (s *Scheduler) Drain(ctx context.Context) []models.Outcome {
	var outcomes []models.Outcome
	for {
		select {
		case e := <-s.triggers:
			outcomes = append(outcomes, s.trigger(ctx, e)...)
		default:
			return outcomes
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, e events.Event) []models.Outcome {
	jobs, err := s.resolve(ctx, e)
	if err != nil {
		s.log.WithField("kind", e.Kind()).WithError(err).Error("failed to resolve trigger")
		return nil
	}
	return s.run(ctx, jobs, s.now())
}

func (s *Scheduler) resolve(ctx context.Context, e events.Event) ([]job, error) {
	switch ev := e.(type) {
	case events.SessionEnded:
		var jobs []job
		for _, userID := range ev.Session.ParticipantIDs {
			circles, err := s.members.CirclesOf(ctx, userID)
			if err != nil {
				return nil, err
			}
			in := make(map[string]bool, len(circles))
			for _, c := range circles {
				in[c] = true
			}
			for _, ch := range s.Registered() {
				if ch.VerificationMethod == models.MethodSocial && in[ch.CircleID] {
					jobs = append(jobs, job{challenge: ch, userID: userID, at: ev.Session.EndedAt})
				}
			}
		}
		return jobs, nil
	case events.GeofenceCredited:
		if ch, ok := s.Challenge(ev.Credit.ChallengeID); ok {
			return []job{{challenge: ch, userID: ev.Credit.SubjectID, at: ev.Credit.End}}, nil
		}
	case events.ProofReceived:
		if ch, ok := s.Challenge(ev.Proof.ChallengeID); ok {
			return []job{{challenge: ch, userID: ev.Proof.SubjectID, at: ev.Proof.Timestamp}}, nil
		}
	}
	return nil, nil
}

// Run sweeps on every interval and evaluates triggers as they arrive, until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.WithField("interval", interval).Info("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now()); err != nil {
				s.log.WithError(err).Error("sweep finished with errors")
			}
		case e := <-s.triggers:
			s.trigger(ctx, e)
		}
	}
}
