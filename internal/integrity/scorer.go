// Package integrity keeps a decaying plausibility score per user, lowered by
// suspicious events from five heuristics.
package integrity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/geraldsadya/circles-backend-go/internal/config"
	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/metrics"
	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// Config is the set of weights and thresholds the scorer runs with.
type Config = config.IntegrityConfig

// EventSink persists suspicious events.
type EventSink interface {
	SaveSuspiciousEvent(ctx context.Context, ev models.SuspiciousEvent) error
}

// ProofRequest asks for a live proof capture as a corrective fallback.
type ProofRequest struct {
	UserID string
	Reason string
	At     time.Time
}

type userState struct {
	mu sync.Mutex

	score     float64
	updatedAt time.Time

	clockBase *models.ClockReading

	last        *models.PositionSample
	anchor      models.PositionSample
	anchorSince time.Time
	flaggedAt   time.Time // anchorSince already reported as a motion mismatch

	rapidSince time.Time
	rapidLevel models.Severity

	reported map[string]struct{} // consistency conflicts already logged
	recent   []models.SuspiciousEvent
}

// Scorer is safe for concurrent use. Work for one user is serialized under
// that user's lock; nothing blocks while a lock is held.
type Scorer struct {
	cfg     Config
	sink    EventSink
	pub     events.Publisher
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu    sync.Mutex
	users map[string]*userState
}

// NewScorer creates a scorer. sink, pub and m may be nil.
func NewScorer(cfg Config, sink EventSink, pub events.Publisher, log logrus.FieldLogger, m *metrics.Metrics) *Scorer {
	return &Scorer{
		cfg:     cfg,
		sink:    sink,
		pub:     pub,
		log:     log.WithField("component", "integrity"),
		metrics: m,
		users:   make(map[string]*userState),
	}
}

func (s *Scorer) user(userID string) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &userState{score: 1, reported: make(map[string]struct{})}
		s.users[userID] = u
	}
	return u
}

// Weight returns the score penalty of a severity.
func (s *Scorer) Weight(sev models.Severity) float64 {
	switch sev {
	case models.SeverityHigh:
		return s.cfg.WeightHigh
	case models.SeverityMedium:
		return s.cfg.WeightMedium
	default:
		return s.cfg.WeightLow
	}
}

// decayed must be called with u.mu held.
func (s *Scorer) decayed(u *userState, at time.Time) float64 {
	if u.updatedAt.IsZero() || !at.After(u.updatedAt) {
		return u.score
	}
	days := at.Sub(u.updatedAt).Hours() / 24
	return math.Min(1, u.score+s.cfg.RecoveryPerDay*days)
}

// apply must be called with u.mu held.
func (s *Scorer) apply(u *userState, ev models.SuspiciousEvent) {
	at := ev.DetectedAt
	if at.Before(u.updatedAt) {
		at = u.updatedAt
	}
	u.score = clamp(s.decayed(u, at) - s.Weight(ev.Severity))
	u.updatedAt = at
	u.recent = append(u.recent, ev)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func (s *Scorer) newEvent(userID string, kind models.SuspiciousKind, sev models.Severity, at time.Time, format string, args ...any) models.SuspiciousEvent {
	return models.SuspiciousEvent{
		ID:         uuid.NewString(),
		UserID:     userID,
		Kind:       kind,
		Severity:   sev,
		DetectedAt: at,
		Details:    fmt.Sprintf(format, args...),
	}
}

// emit persists and publishes events that were already applied to the score.
func (s *Scorer) emit(ctx context.Context, evs []models.SuspiciousEvent) error {
	var firstErr error
	for _, ev := range evs {
		s.log.WithFields(logrus.Fields{
			"user":     ev.UserID,
			"kind":     ev.Kind,
			"severity": ev.Severity,
		}).Warn("suspicious event")
		if s.metrics != nil {
			s.metrics.SuspiciousEvents.WithLabelValues(string(ev.Kind), string(ev.Severity)).Inc()
		}
		if s.sink != nil {
			if err := s.sink.SaveSuspiciousEvent(ctx, ev); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to save suspicious event: %w", err)
			}
		}
		if s.pub != nil {
			s.pub.Publish(events.SuspiciousLogged{Event: ev})
		}
	}
	return firstErr
}

// Score returns the user's score at instant now, including recovery since the last event.
func (s *Scorer) Score(userID string, now time.Time) models.IntegrityScore {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	score := s.decayed(u, now)
	return models.IntegrityScore{
		UserID:    userID,
		Score:     score,
		UpdatedAt: u.updatedAt,
		Passing:   score >= s.cfg.Threshold,
	}
}

// Passing reports whether the user's score is at or above the threshold.
func (s *Scorer) Passing(userID string, now time.Time) bool {
	return s.Score(userID, now).Passing
}

// ObserveClock compares the device wall clock against the estimate derived
// from monotonic uptime since the last baseline.
func (s *Scorer) ObserveClock(ctx context.Context, r models.ClockReading) ([]models.SuspiciousEvent, error) {
	u := s.user(r.SubjectID)
	u.mu.Lock()
	var out []models.SuspiciousEvent
	base := u.clockBase
	reading := r
	u.clockBase = &reading
	// an uptime going backwards is a reboot: start a new baseline
	if base != nil && r.Uptime >= base.Uptime {
		expected := base.DeviceTime.Add(r.Uptime - base.Uptime)
		drift := r.DeviceTime.Sub(expected)
		if drift < 0 {
			drift = -drift
		}
		if drift > s.cfg.ClockTolerance {
			ev := s.newEvent(r.SubjectID, models.KindClockTampering, models.SeverityHigh, expected,
				"device clock off by %s from uptime estimate", drift.Round(time.Second))
			s.apply(u, ev)
			out = append(out, ev)
		}
	}
	u.mu.Unlock()
	return out, s.emit(ctx, out)
}

// ObservePosition runs the stationarity, rapid-movement and impossible-movement heuristics.
func (s *Scorer) ObservePosition(ctx context.Context, p models.PositionSample) ([]models.SuspiciousEvent, error) {
	u := s.user(p.SubjectID)
	u.mu.Lock()
	var out []models.SuspiciousEvent
	if u.last != nil && p.CapturedAt.Before(u.last.CapturedAt) {
		u.mu.Unlock()
		return nil, nil
	}
	if u.last != nil {
		out = s.movement(u, *u.last, p)
	}

	if u.anchorSince.IsZero() || distance(u.anchor, p) > s.cfg.StationaryRadius {
		u.anchor = p
		u.anchorSince = p.CapturedAt
	}
	sample := p
	u.last = &sample
	u.mu.Unlock()
	return out, s.emit(ctx, out)
}

// minSpeedInterval floors the time between fixes so near-simultaneous
// samples still yield a finite speed.
const minSpeedInterval = time.Second

// movement must be called with u.mu held.
func (s *Scorer) movement(u *userState, prev, cur models.PositionSample) []models.SuspiciousEvent {
	dt := cur.CapturedAt.Sub(prev.CapturedAt)
	dist := distance(prev, cur)
	// displacement within the combined error radius is noise
	if dist <= prev.AccuracyMeters+cur.AccuracyMeters {
		u.rapidSince = time.Time{}
		u.rapidLevel = ""
		return nil
	}
	if dt < minSpeedInterval {
		dt = minSpeedInterval
	}

	speed := speedKmh(prev, cur, dt)
	switch {
	case speed > s.cfg.ImpossibleSpeedKmh:
		ev := s.newEvent(cur.SubjectID, models.KindImpossibleMovement, models.SeverityHigh, cur.CapturedAt,
			"%.0f m in %s implies %.0f km/h", dist, dt.Round(time.Second), speed)
		s.apply(u, ev)
		return []models.SuspiciousEvent{ev}

	case speed > s.cfg.RapidSpeedKmh:
		if u.rapidSince.IsZero() {
			u.rapidSince = prev.CapturedAt
		}
		span := cur.CapturedAt.Sub(u.rapidSince)
		var sev models.Severity
		switch {
		case span >= s.cfg.RapidSustainHigh && u.rapidLevel != models.SeverityHigh:
			sev = models.SeverityHigh
		case span >= s.cfg.RapidSustainMedium && u.rapidLevel == "":
			sev = models.SeverityMedium
		default:
			return nil
		}
		u.rapidLevel = sev
		ev := s.newEvent(cur.SubjectID, models.KindRapidMovement, sev, cur.CapturedAt,
			"sustained %.0f km/h for %s", speed, span.Round(time.Second))
		s.apply(u, ev)
		return []models.SuspiciousEvent{ev}

	default:
		u.rapidSince = time.Time{}
		u.rapidLevel = ""
		return nil
	}
}

// ObserveMotion flags on-foot activity reported while positions show the user
// stationary for longer than the stationary window. A flagged mismatch returns
// a proof request instead of failing anything.
func (s *Scorer) ObserveMotion(ctx context.Context, m models.MotionEvent) ([]models.SuspiciousEvent, *ProofRequest, error) {
	if !m.Activity.OnFoot() {
		return nil, nil, nil
	}
	u := s.user(m.SubjectID)
	u.mu.Lock()
	if u.last == nil || u.anchorSince.IsZero() || u.flaggedAt.Equal(u.anchorSince) {
		u.mu.Unlock()
		return nil, nil, nil
	}
	// positions must still be current when the motion event arrives
	if m.Timestamp.Sub(u.last.CapturedAt) > s.cfg.StationaryWindow {
		u.mu.Unlock()
		return nil, nil, nil
	}
	still := u.last.CapturedAt.Sub(u.anchorSince)
	if still <= s.cfg.StationaryWindow {
		u.mu.Unlock()
		return nil, nil, nil
	}

	ev := s.newEvent(m.SubjectID, models.KindMotionMismatch, models.SeverityMedium, m.Timestamp,
		"%s reported while stationary for %s", m.Activity, still.Round(time.Second))
	s.apply(u, ev)
	u.flaggedAt = u.anchorSince
	u.mu.Unlock()

	req := &ProofRequest{UserID: m.SubjectID, Reason: string(models.KindMotionMismatch), At: m.Timestamp}
	return []models.SuspiciousEvent{ev}, req, s.emit(ctx, []models.SuspiciousEvent{ev})
}

// StationarySince returns when the user's current stationary span began.
func (s *Scorer) StationarySince(userID string) (time.Time, bool) {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.anchorSince, !u.anchorSince.IsZero()
}

// Rebuild replays persisted events to restore a user's score after a restart.
func (s *Scorer) Rebuild(userID string, evs []models.SuspiciousEvent) {
	sorted := make([]models.SuspiciousEvent, len(evs))
	copy(sorted, evs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DetectedAt.Before(sorted[j].DetectedAt) })

	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.score = 1
	u.updatedAt = time.Time{}
	u.recent = nil
	for _, ev := range sorted {
		s.apply(u, ev)
	}
}

// Recent returns the user's events still held in memory.
func (s *Scorer) Recent(userID string) []models.SuspiciousEvent {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]models.SuspiciousEvent, len(u.recent))
	copy(out, u.recent)
	return out
}

// Purge drops in-memory events detected before the cutoff. Scores are unaffected.
func (s *Scorer) Purge(before time.Time) int {
	s.mu.Lock()
	list := make([]*userState, 0, len(s.users))
	for _, u := range s.users {
		list = append(list, u)
	}
	s.mu.Unlock()

	n := 0
	for _, u := range list {
		u.mu.Lock()
		kept := u.recent[:0]
		for _, ev := range u.recent {
			if ev.DetectedAt.Before(before) {
				n++
				continue
			}
			kept = append(kept, ev)
		}
		u.recent = kept
		u.mu.Unlock()
	}
	return n
}

// Forget drops all state of a user.
func (s *Scorer) Forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}
