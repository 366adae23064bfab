// Package challenge decides whether a user met a challenge in a period and
// records the verdict through the ledger.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/geraldsadya/circles-backend-go/internal/config"
	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/ledger"
	"github.com/geraldsadya/circles-backend-go/internal/metrics"
	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/repository"
)

// Config is the evaluator and scheduler configuration.
type Config = config.ChallengeConfig

// Recorder writes verdicts and bonuses. *ledger.Ledger implements it.
type Recorder interface {
	RecordResult(ctx context.Context, res models.ChallengeResult, entry models.LedgerEntry) error
	GrantGroupBonus(ctx context.Context, challengeID, day string, points int64, at time.Time) ([]models.LedgerEntry, error)
}

// ResultReader looks up an existing verdict.
type ResultReader interface {
	GetResult(ctx context.Context, challengeID, userID, day string) (models.ChallengeResult, error)
}

// IntegrityGate reports whether a user's data can be trusted for automatic verification.
type IntegrityGate interface {
	Passing(userID string, now time.Time) bool
}

// Evaluator runs one evaluation at a time per call and holds no lock while a
// verifier is working. Concurrent evaluations of the same key are settled by
// the ledger transaction.
type Evaluator struct {
	verifiers map[models.VerificationMethod]Verifier
	recorder  Recorder
	results   ResultReader
	gate      IntegrityGate

	cfg     Config
	loc     *time.Location
	pub     events.Publisher
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	requestedMu sync.Mutex
	requested   map[string]time.Time
}

// NewEvaluator creates an evaluator. pub and m may be nil.
func NewEvaluator(cfg Config, recorder Recorder, results ResultReader, gate IntegrityGate, loc *time.Location, pub events.Publisher, log logrus.FieldLogger, m *metrics.Metrics, verifiers ...Verifier) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	e := &Evaluator{
		verifiers: make(map[models.VerificationMethod]Verifier, len(verifiers)),
		recorder:  recorder,
		results:   results,
		gate:      gate,
		cfg:       cfg,
		loc:       loc,
		pub:       pub,
		log:       log.WithField("component", "challenge_evaluator"),
		metrics:   m,
		requested: make(map[string]time.Time),
	}
	for _, v := range verifiers {
		e.verifiers[v.Method()] = v
	}
	return e
}

// Evaluate decides the period containing now.
func (e *Evaluator) Evaluate(ctx context.Context, ch models.Challenge, userID string, now time.Time) (models.Outcome, error) {
	return e.EvaluatePeriod(ctx, ch, userID, now, now)
}

// EvaluatePeriod decides the period containing at, judged as of now. A verdict
// that is not yet a pass stays pending until the period closes.
func (e *Evaluator) EvaluatePeriod(ctx context.Context, ch models.Challenge, userID string, at, now time.Time) (models.Outcome, error) {
	start := models.PeriodStart(ch.Frequency, at, e.loc)
	end := models.PeriodEnd(ch.Frequency, start)
	out := models.Outcome{
		ChallengeID: ch.ID,
		UserID:      userID,
		Day:         start.Format(models.DayLayout),
		Method:      ch.VerificationMethod,
	}

	if reason := skipReason(ch, start, end, now); reason != "" {
		out.Status = models.OutcomeSkipped
		out.Reason = reason
		return out, nil
	}

	existing, err := e.results.GetResult(ctx, ch.ID, userID, out.Day)
	switch {
	case err == nil:
		out.Status = models.OutcomeDuplicate
		out.Method = existing.Method
		out.Confidence = existing.Confidence
		if existing.Verified {
			e.grantBonus(ctx, ch, out.Day, bookedAt(now, end))
		}
		return out, nil
	case !errors.Is(err, repository.ErrNotFound):
		return out, fmt.Errorf("failed to look up result: %w", err)
	}

	if e.gate != nil && !e.gate.Passing(userID, now) {
		out.Fallback = true
		out.Method = ch.FallbackMethod
		if out.Method == "" {
			out.Method = models.MethodProof
		}
	}

	req := Request{Challenge: ch, UserID: userID, PeriodStart: start, PeriodEnd: end}
	if req.PeriodStart.Before(ch.Window.Start) {
		req.PeriodStart = ch.Window.Start
	}
	if !ch.Window.End.IsZero() && ch.Window.End.Before(req.PeriodEnd) {
		req.PeriodEnd = ch.Window.End
	}
	closed := !now.Before(req.PeriodEnd)

	verdict, err := e.verify(ctx, out.Method, req)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		switch {
		case errors.Is(err, ErrPermissionDenied), out.Fallback:
			return e.unverifiable(out, now, err.Error()), nil
		default:
			e.log.WithFields(logrus.Fields{
				"challenge_id": ch.ID,
				"user_id":      userID,
				"method":       out.Method,
			}).WithError(err).Warn("verification unavailable, leaving pending")
			return e.finish(out, models.OutcomePending, err.Error()), nil
		}
	}

	out.Confidence = verdict.Confidence
	switch {
	case verdict.Pending && !closed:
		e.requestProof(ch.ID, userID, out.Day, end, now)
		return e.finish(out, models.OutcomePending, "awaiting proof"), nil
	case verdict.Pending && out.Fallback:
		return e.unverifiable(out, now, "no proof captured"), nil
	case !verdict.Passed && !closed:
		return e.finish(out, models.OutcomePending, "target not met yet"), nil
	}

	return e.record(ctx, ch, out, verdict.Passed, now, bookedAt(now, end))
}

func skipReason(ch models.Challenge, start, end, now time.Time) string {
	switch {
	case !ch.Active:
		return "challenge inactive"
	case now.Before(ch.Window.Start) || !ch.Window.Start.Before(end):
		return "window not started"
	case !ch.Window.End.IsZero() && !ch.Window.End.After(start):
		return "window ended"
	}
	return ""
}

func (e *Evaluator) verify(ctx context.Context, method models.VerificationMethod, req Request) (Verdict, error) {
	v, ok := e.verifiers[method]
	if !ok {
		return Verdict{}, fmt.Errorf("%w: no verifier for %s", ErrPermissionDenied, method)
	}

	policy := RetryPolicy{
		Attempts:   e.cfg.VerifierAttempts,
		Timeout:    e.cfg.VerifierTimeout,
		Backoff:    e.cfg.VerifierBackoff,
		MaxBackoff: e.cfg.VerifierMaxBackoff,
	}
	var verdict Verdict
	err := Retry(ctx, policy, func(ctx context.Context) error {
		var err error
		verdict, err = v.Verify(ctx, req)
		return err
	}, func(attempt int, err error) {
		if e.metrics != nil {
			e.metrics.VerifierRetries.WithLabelValues(string(method)).Inc()
		}
		e.log.WithFields(logrus.Fields{
			"method":  method,
			"attempt": attempt,
		}).WithError(err).Debug("retrying verification")
	})
	return verdict, err
}

func (e *Evaluator) record(ctx context.Context, ch models.Challenge, out models.Outcome, passed bool, now, booked time.Time) (models.Outcome, error) {
	res := models.ChallengeResult{
		ChallengeID: ch.ID,
		UserID:      out.UserID,
		Day:         out.Day,
		Verified:    passed,
		Confidence:  out.Confidence,
		Method:      out.Method,
		EvaluatedAt: now,
	}
	entry := models.LedgerEntry{
		UserID:         out.UserID,
		ChallengeID:    ch.ID,
		Points:         ch.PointsOnFail,
		Reason:         models.ReasonChallengeFail,
		IdempotencyKey: models.ResultKey(ch.ID, out.UserID, out.Day),
		CreatedAt:      booked,
	}
	if passed {
		entry.Points = ch.PointsOnPass
		entry.Reason = models.ReasonChallengePass
	}

	err := e.recorder.RecordResult(ctx, res, entry)
	switch {
	case errors.Is(err, ledger.ErrDuplicate):
		return e.finish(out, models.OutcomeDuplicate, "recorded concurrently"), nil
	case errors.Is(err, ledger.ErrInactive):
		return e.finish(out, models.OutcomeSkipped, "challenge deactivated"), nil
	case err != nil:
		return out, fmt.Errorf("failed to record result: %w", err)
	}

	if !passed {
		return e.finish(out, models.OutcomeFail, ""), nil
	}
	e.grantBonus(ctx, ch, out.Day, booked)
	return e.finish(out, models.OutcomePass, ""), nil
}

// bookedAt dates ledger entries of a closed period inside it, so weekly
// snapshots count them in the week they were earned.
func bookedAt(now, end time.Time) time.Time {
	if now.Before(end) {
		return now
	}
	return end.Add(-time.Millisecond)
}

func (e *Evaluator) grantBonus(ctx context.Context, ch models.Challenge, day string, at time.Time) {
	points := ch.BonusPoints
	if points == 0 {
		points = e.cfg.GroupBonusPoints
	}
	granted, err := e.recorder.GrantGroupBonus(ctx, ch.ID, day, points, at)
	if err != nil {
		e.log.WithField("challenge_id", ch.ID).WithError(err).Error("failed to grant group bonus")
		return
	}
	if len(granted) > 0 {
		e.log.WithFields(logrus.Fields{
			"challenge_id": ch.ID,
			"day":          day,
			"granted":      len(granted),
		}).Info("group bonus granted")
	}
}

func (e *Evaluator) unverifiable(out models.Outcome, now time.Time, reason string) models.Outcome {
	out = e.finish(out, models.OutcomeUnverifiable, reason)
	if e.pub != nil {
		e.pub.Publish(events.Unverifiable{Outcome: out, At: now})
	}
	return out
}

func (e *Evaluator) finish(out models.Outcome, status models.OutcomeStatus, reason string) models.Outcome {
	out.Status = status
	out.Reason = reason
	if e.metrics != nil {
		e.metrics.ChallengeOutcomes.WithLabelValues(string(out.Method), string(status)).Inc()
	}
	return out
}

// requestProof asks for a capture once per challenge, user and period.
func (e *Evaluator) requestProof(challengeID, userID, day string, periodEnd, now time.Time) {
	k := challengeID + "|" + userID + "|" + day
	e.requestedMu.Lock()
	_, seen := e.requested[k]
	if !seen {
		e.requested[k] = periodEnd
	}
	e.requestedMu.Unlock()

	if seen || e.pub == nil {
		return
	}
	e.pub.Publish(events.ProofRequested{
		UserID:      userID,
		ChallengeID: challengeID,
		Reason:      "challenge verification",
		At:          now,
	})
}

// PruneRequests forgets proof requests whose period closed before now.
func (e *Evaluator) PruneRequests(now time.Time) int {
	e.requestedMu.Lock()
	defer e.requestedMu.Unlock()
	n := 0
	for k, end := range e.requested {
		if !end.After(now) {
			delete(e.requested, k)
			n++
		}
	}
	return n
}
