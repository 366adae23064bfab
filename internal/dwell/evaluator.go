// Package dwell accumulates time spent inside challenge geofences and credits
// passes once the dwell and accuracy requirements are met.
package dwell

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/geraldsadya/circles-backend-go/internal/config"
	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/metrics"
	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/spatial"
)

// ErrNoGeofence is returned when registering a challenge without a geofence.
var ErrNoGeofence = errors.New("dwell: challenge has no geofence")

// Config is the set of thresholds the evaluator runs with.
type Config = config.DwellConfig

// creditHistory bounds the per-subject credits kept for consistency checks.
const creditHistory = 64

type registration struct {
	challenge models.Challenge
	fence     models.Geofence
	circle    spatial.Circle
}

type key struct {
	subject  string
	geofence string
}

type entry struct {
	mu    sync.Mutex
	state models.DwellState
}

// Evaluator owns the geofence registrations and per (subject, geofence) accumulators.
type Evaluator struct {
	cfg     Config
	loc     *time.Location
	pub     events.Publisher
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	regMu sync.RWMutex
	regs  map[string]registration

	statesMu sync.Mutex
	states   map[key]*entry

	creditsMu sync.RWMutex
	credits   map[string][]models.DwellCredit
}

// NewEvaluator creates an evaluator. m may be nil.
func NewEvaluator(cfg Config, loc *time.Location, pub events.Publisher, log logrus.FieldLogger, m *metrics.Metrics) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{
		cfg:     cfg,
		loc:     loc,
		pub:     pub,
		log:     log.WithField("component", "dwell"),
		metrics: m,
		regs:    make(map[string]registration),
		states:  make(map[key]*entry),
		credits: make(map[string][]models.DwellCredit),
	}
}

// Register starts evaluating the challenge's geofence. Re-registering replaces
// the previous definition but keeps accumulated state.
func (e *Evaluator) Register(ch models.Challenge) error {
	if ch.Geofence == nil {
		return ErrNoGeofence
	}
	fence := *ch.Geofence
	fence.OwnerChallengeID = ch.ID

	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.regs[fence.ID] = registration{
		challenge: ch,
		fence:     fence,
		circle:    spatial.NewCircle(spatial.Point{Lat: fence.Center.Lat, Lon: fence.Center.Lon}, fence.RadiusMeters),
	}
	return nil
}

// Unregister stops evaluating every geofence owned by the challenge and drops its state.
func (e *Evaluator) Unregister(challengeID string) {
	e.regMu.Lock()
	var dropped []string
	for id, reg := range e.regs {
		if reg.challenge.ID == challengeID {
			delete(e.regs, id)
			dropped = append(dropped, id)
		}
	}
	e.regMu.Unlock()

	e.statesMu.Lock()
	defer e.statesMu.Unlock()
	for k := range e.states {
		for _, id := range dropped {
			if k.geofence == id {
				delete(e.states, k)
			}
		}
	}
}

func (e *Evaluator) active(at time.Time) []registration {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	out := make([]registration, 0, len(e.regs))
	for _, reg := range e.regs {
		if reg.challenge.Active && reg.challenge.Window.Contains(at) {
			out = append(out, reg)
		}
	}
	return out
}

func (e *Evaluator) entryFor(k key, create bool) *entry {
	e.statesMu.Lock()
	defer e.statesMu.Unlock()
	en, ok := e.states[k]
	if !ok && create {
		en = &entry{state: models.DwellState{SubjectID: k.subject, GeofenceID: k.geofence}}
		e.states[k] = en
	}
	return en
}

// Observe folds a position sample into every active geofence and returns the
// credits it produced. Samples must be validated by the caller.
func (e *Evaluator) Observe(sample models.PositionSample) []models.DwellCredit {
	var credited []models.DwellCredit
	p := spatial.Point{Lat: sample.Coordinate.Lat, Lon: sample.Coordinate.Lon}

	for _, reg := range e.active(sample.CapturedAt) {
		inside := reg.circle.Contains(p)
		en := e.entryFor(key{subject: sample.SubjectID, geofence: reg.fence.ID}, inside)
		if en == nil {
			continue
		}

		en.mu.Lock()
		credit, ok := e.observe(&en.state, reg, sample, inside)
		en.mu.Unlock()

		if ok {
			credited = append(credited, credit)
		}
	}

	for _, c := range credited {
		e.remember(c)
		if e.metrics != nil {
			e.metrics.GeofenceCredits.Inc()
		}
		if e.pub != nil {
			e.pub.Publish(events.GeofenceCredited{Credit: c})
		}
	}
	return credited
}

func (e *Evaluator) observe(s *models.DwellState, reg registration, sample models.PositionSample, inside bool) (models.DwellCredit, bool) {
	at := sample.CapturedAt
	if at.Before(s.LastSampleAt) {
		return models.DwellCredit{}, false
	}
	prevAt, prevInside := s.LastSampleAt, s.LastSampleInside
	s.LastSampleAt = at
	s.LastSampleInside = inside

	if !s.LastCreditAt.IsZero() && at.Sub(s.LastCreditAt) < reg.fence.Cooldown() {
		// no accumulation until the cooldown elapses
		s.LastSampleInside = false
		return models.DwellCredit{}, false
	}
	if !inside {
		return models.DwellCredit{}, false
	}

	freq := reg.challenge.Frequency
	if !s.VisitStartedAt.IsZero() && !models.PeriodStart(freq, s.VisitStartedAt, e.loc).Equal(models.PeriodStart(freq, at, e.loc)) {
		resetAccumulators(s)
		prevInside = false
	}
	if s.VisitStartedAt.IsZero() {
		s.VisitStartedAt = at
	}

	if prevInside {
		elapsed := at.Sub(prevAt)
		if elapsed > e.cfg.MaxSampleGap {
			elapsed = e.cfg.MaxSampleGap
		}
		s.SecondsInside += elapsed.Seconds()
	}
	s.SampleCountTotal++
	if sample.AccuracyMeters <= e.cfg.SufficientAccuracyMeters {
		s.SampleCountSufficient++
	}

	ratio := s.AccuracyRatio()
	if s.SecondsInside < reg.fence.MinDwell().Seconds() || ratio < e.cfg.MinAccuracyRatio {
		return models.DwellCredit{}, false
	}

	credit := models.DwellCredit{
		SubjectID:    s.SubjectID,
		GeofenceID:   reg.fence.ID,
		ChallengeID:  reg.challenge.ID,
		Start:        s.VisitStartedAt,
		End:          at,
		Center:       reg.fence.Center,
		RadiusMeters: reg.fence.RadiusMeters,
		Ratio:        ratio,
	}
	s.LastCreditAt = at
	s.LastCreditRatio = ratio
	s.LastSampleInside = false
	resetAccumulators(s)

	e.log.WithFields(logrus.Fields{
		"subject":  credit.SubjectID,
		"geofence": credit.GeofenceID,
		"ratio":    ratio,
	}).Debug("geofence dwell credited")
	return credit, true
}

func resetAccumulators(s *models.DwellState) {
	s.SecondsInside = 0
	s.SampleCountTotal = 0
	s.SampleCountSufficient = 0
	s.VisitStartedAt = time.Time{}
}

func (e *Evaluator) remember(c models.DwellCredit) {
	e.creditsMu.Lock()
	defer e.creditsMu.Unlock()
	list := append(e.credits[c.SubjectID], c)
	if len(list) > creditHistory {
		list = list[len(list)-creditHistory:]
	}
	e.credits[c.SubjectID] = list
}

// CreditedBetween reports whether the geofence credited the subject with a
// pass ending in [from, to), and the accuracy ratio of the latest such credit.
// The last credit of a restored accumulator counts when no history remains.
func (e *Evaluator) CreditedBetween(subjectID, geofenceID string, from, to time.Time) (bool, float64) {
	within := func(t time.Time) bool {
		return !t.IsZero() && !t.Before(from) && t.Before(to)
	}

	e.creditsMu.RLock()
	history := e.credits[subjectID]
	for i := len(history) - 1; i >= 0; i-- {
		if c := history[i]; c.GeofenceID == geofenceID && within(c.End) {
			e.creditsMu.RUnlock()
			return true, c.Ratio
		}
	}
	e.creditsMu.RUnlock()

	en := e.entryFor(key{subject: subjectID, geofence: geofenceID}, false)
	if en == nil {
		return false, 0
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if !within(en.state.LastCreditAt) {
		return false, 0
	}
	return true, en.state.LastCreditRatio
}

// Credits returns the subject's remembered credits overlapping [from, to].
func (e *Evaluator) Credits(subjectID string, from, to time.Time) []models.DwellCredit {
	e.creditsMu.RLock()
	defer e.creditsMu.RUnlock()
	var out []models.DwellCredit
	for _, c := range e.credits[subjectID] {
		if c.End.Before(from) || c.Start.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// State returns the accumulator for a (subject, geofence) pair.
func (e *Evaluator) State(subjectID, geofenceID string) (models.DwellState, bool) {
	en := e.entryFor(key{subject: subjectID, geofence: geofenceID}, false)
	if en == nil {
		return models.DwellState{}, false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.state, true
}

// Forget drops every accumulator and credit of a subject.
func (e *Evaluator) Forget(subjectID string) {
	e.statesMu.Lock()
	for k := range e.states {
		if k.subject == subjectID {
			delete(e.states, k)
		}
	}
	e.statesMu.Unlock()

	e.creditsMu.Lock()
	delete(e.credits, subjectID)
	e.creditsMu.Unlock()
}

// Snapshot returns every accumulator ordered by subject then geofence.
func (e *Evaluator) Snapshot() []models.DwellState {
	e.statesMu.Lock()
	list := make([]*entry, 0, len(e.states))
	for _, en := range e.states {
		list = append(list, en)
	}
	e.statesMu.Unlock()

	out := make([]models.DwellState, 0, len(list))
	for _, en := range list {
		en.mu.Lock()
		out = append(out, en.state)
		en.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubjectID != out[j].SubjectID {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].GeofenceID < out[j].GeofenceID
	})
	return out
}

// Restore loads checkpointed accumulators.
func (e *Evaluator) Restore(states []models.DwellState) {
	e.statesMu.Lock()
	defer e.statesMu.Unlock()
	for _, st := range states {
		e.states[key{subject: st.SubjectID, geofence: st.GeofenceID}] = &entry{state: st}
	}
}
