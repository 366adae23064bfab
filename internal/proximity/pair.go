package proximity

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/spatial"
)

// PairKey returns the canonical key of an unordered pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// pair is the hangout state machine for one unordered pair of subjects.
// All fields are guarded by mu.
type pair struct {
	mu      sync.Mutex
	state   models.PairState
	removed bool
}

func newPair(a, b string) *pair {
	if b < a {
		a, b = b, a
	}
	return &pair{state: models.PairState{
		PairKey:  PairKey(a, b),
		SubjectA: a,
		SubjectB: b,
		Status:   models.PairIdle,
	}}
}

func (p *pair) participants() [2]string {
	return [2]string{p.state.SubjectA, p.state.SubjectB}
}

// observation is one evaluation of the qualifying test for the pair.
type observation struct {
	at         time.Time
	qualifying bool
	breach     bool
	center     models.Coordinate
}

// evaluate runs the qualifying test on the latest sample of each side at instant at.
func evaluate(cfg Config, at time.Time, a, b models.PositionSample) observation {
	fresh := at.Sub(a.CapturedAt) <= cfg.SampleFreshness && at.Sub(b.CapturedAt) <= cfg.SampleFreshness
	pa := spatial.Point{Lat: a.Coordinate.Lat, Lon: a.Coordinate.Lon}
	pb := spatial.Point{Lat: b.Coordinate.Lat, Lon: b.Coordinate.Lon}
	dist := spatial.Distance(pa, pb)
	// the worse of the two accuracies decides
	accuracy := math.Max(a.AccuracyMeters, b.AccuracyMeters)
	mid := spatial.Midpoint(pa, pb)

	return observation{
		at:         at,
		qualifying: fresh && dist <= cfg.QualifyDistanceMeters && accuracy <= cfg.MaxAccuracyMeters,
		breach:     fresh && dist > cfg.BreachDistanceMeters,
		center:     models.Coordinate{Lat: mid.Lat, Lon: mid.Lon},
	}
}

// observe advances the state machine. It returns the events to publish and, when
// the observation closed an active hangout, the archived session.
func (p *pair) observe(cfg Config, o observation) ([]events.Event, *models.HangoutSession) {
	s := &p.state
	if o.at.Before(s.LastEvaluatedAt) {
		return nil, nil
	}
	s.LastEvaluatedAt = o.at

	switch s.Status {
	case models.PairIdle:
		if o.qualifying {
			p.startCandidate(o)
		}
		return nil, nil

	case models.PairCandidate:
		return p.observeCandidate(cfg, o), nil

	case models.PairActive:
		return p.observeActive(cfg, o)
	}
	return nil, nil
}

func (p *pair) startCandidate(o observation) {
	s := &p.state
	s.Status = models.PairCandidate
	s.CandidateSince = o.at
	s.LastQualifyingSampleAt = o.at
	s.DisqualifiedAt = time.Time{}
	s.ActiveSince = time.Time{}
	s.AccumulatedSeconds = 0
	s.Center = o.center
}

func (p *pair) observeCandidate(cfg Config, o observation) []events.Event {
	s := &p.state
	if !o.qualifying {
		if o.breach || o.at.Sub(s.LastQualifyingSampleAt) > cfg.StaleAfter {
			p.reset()
			return nil
		}
		if s.DisqualifiedAt.IsZero() {
			s.DisqualifiedAt = o.at
		}
		return nil
	}

	// the qualifying condition must hold continuously before activation
	if !s.DisqualifiedAt.IsZero() || o.at.Sub(s.LastQualifyingSampleAt) > cfg.MergeGap {
		s.CandidateSince = o.at
		s.DisqualifiedAt = time.Time{}
	}
	s.LastQualifyingSampleAt = o.at
	s.Center = o.center

	if o.at.Sub(s.CandidateSince) < cfg.ActivateAfter {
		return nil
	}
	s.Status = models.PairActive
	s.ActiveSince = s.CandidateSince
	s.AccumulatedSeconds = o.at.Sub(s.CandidateSince).Seconds()
	return []events.Event{events.SessionStarted{
		PairKey:      s.PairKey,
		Participants: p.participants(),
		StartedAt:    s.ActiveSince,
	}}
}

func (p *pair) observeActive(cfg Config, o observation) ([]events.Event, *models.HangoutSession) {
	s := &p.state
	if !o.qualifying {
		if s.DisqualifiedAt.IsZero() {
			s.DisqualifiedAt = o.at
		}
		if o.at.Sub(s.DisqualifiedAt) > cfg.MergeGap || o.at.Sub(s.LastQualifyingSampleAt) > cfg.StaleAfter {
			return p.closeSession()
		}
		return nil, nil
	}

	if !s.DisqualifiedAt.IsZero() {
		if o.at.Sub(s.DisqualifiedAt) > cfg.MergeGap {
			evs, session := p.closeSession()
			p.startCandidate(o)
			return evs, session
		}
		// gap merged: the gap itself is not credited, the clock resumes now
		s.DisqualifiedAt = time.Time{}
		s.LastQualifyingSampleAt = o.at
		s.Center = o.center
		return []events.Event{events.SessionExtended{
			PairKey:            s.PairKey,
			Participants:       p.participants(),
			AccumulatedSeconds: s.AccumulatedSeconds,
			At:                 o.at,
			Resumed:            true,
		}}, nil
	}

	delta := o.at.Sub(s.LastQualifyingSampleAt)
	if delta > cfg.MergeGap {
		evs, session := p.closeSession()
		p.startCandidate(o)
		return evs, session
	}

	before := math.Floor(s.AccumulatedSeconds / 60)
	// Silence up to MergeGap counts toward the session; a disqualified stretch does not.
	s.AccumulatedSeconds += delta.Seconds()
	s.LastQualifyingSampleAt = o.at
	s.Center = o.center
	if math.Floor(s.AccumulatedSeconds/60) > before {
		return []events.Event{events.SessionExtended{
			PairKey:            s.PairKey,
			Participants:       p.participants(),
			AccumulatedSeconds: s.AccumulatedSeconds,
			At:                 o.at,
		}}, nil
	}
	return nil, nil
}

// expire closes or drops the pair when no evaluation arrived in time.
func (p *pair) expire(cfg Config, now time.Time) ([]events.Event, *models.HangoutSession) {
	s := &p.state
	switch s.Status {
	case models.PairCandidate:
		if now.Sub(s.LastQualifyingSampleAt) > cfg.StaleAfter {
			p.reset()
		}
	case models.PairActive:
		gapExceeded := !s.DisqualifiedAt.IsZero() && now.Sub(s.DisqualifiedAt) > cfg.MergeGap
		if gapExceeded || now.Sub(s.LastQualifyingSampleAt) > cfg.StaleAfter {
			return p.closeSession()
		}
	}
	return nil, nil
}

// closeSession archives the active hangout and returns the pair to Idle.
func (p *pair) closeSession() ([]events.Event, *models.HangoutSession) {
	s := &p.state
	s.Status = models.PairEnded
	session := &models.HangoutSession{
		ID:             uuid.NewString(),
		ParticipantIDs: []string{s.SubjectA, s.SubjectB},
		StartedAt:      s.ActiveSince,
		EndedAt:        s.LastQualifyingSampleAt,
		PerParticipantDurationSeconds: map[string]float64{
			s.SubjectA: s.AccumulatedSeconds,
			s.SubjectB: s.AccumulatedSeconds,
		},
		Center: s.Center,
	}
	p.reset()
	return []events.Event{events.SessionEnded{Session: *session}}, session
}

func (p *pair) reset() {
	s := &p.state
	s.Status = models.PairIdle
	s.CandidateSince = time.Time{}
	s.ActiveSince = time.Time{}
	s.LastQualifyingSampleAt = time.Time{}
	s.DisqualifiedAt = time.Time{}
	s.AccumulatedSeconds = 0
}
