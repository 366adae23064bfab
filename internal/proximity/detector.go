// Package proximity tracks per-pair co-presence from position samples and
// emits hangout sessions.
package proximity

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/geraldsadya/circles-backend-go/internal/config"
	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/metrics"
	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// ErrOutOfOrder is returned for a sample older than the subject's latest one.
var ErrOutOfOrder = errors.New("proximity: sample out of order")

// Config is the set of thresholds the detector runs with.
type Config = config.ProximityConfig

// PeerLookup resolves the subjects a subject may hang out with, normally the
// members of every circle they belong to.
type PeerLookup interface {
	PeersOf(subjectID string) []string
}

// PeerFunc adapts a function to PeerLookup.
type PeerFunc func(subjectID string) []string

// PeersOf calls f.
func (f PeerFunc) PeersOf(subjectID string) []string { return f(subjectID) }

type track struct {
	latest models.PositionSample
	window []models.PositionSample
}

// Detector owns the latest-sample table and the pair state machines.
// It is safe for concurrent use; each pair is evaluated under its own lock.
type Detector struct {
	cfg     Config
	peers   PeerLookup
	pub     events.Publisher
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	tracksMu sync.RWMutex
	tracks   map[string]*track

	pairsMu sync.Mutex
	pairs   map[string]*pair
}

// NewDetector creates a detector. m may be nil.
func NewDetector(cfg Config, peers PeerLookup, pub events.Publisher, log logrus.FieldLogger, m *metrics.Metrics) *Detector {
	return &Detector{
		cfg:     cfg,
		peers:   peers,
		pub:     pub,
		log:     log.WithField("component", "proximity"),
		metrics: m,
		tracks:  make(map[string]*track),
		pairs:   make(map[string]*pair),
	}
}

// Ingest records a sample and re-evaluates every pair the subject belongs to.
// It returns the sessions closed by this sample.
func (d *Detector) Ingest(sample models.PositionSample) ([]models.HangoutSession, error) {
	if err := sample.Validate(); err != nil {
		return nil, err
	}
	if err := d.record(sample); err != nil {
		return nil, err
	}

	var closed []models.HangoutSession
	for _, peerID := range d.peers.PeersOf(sample.SubjectID) {
		if peerID == sample.SubjectID {
			continue
		}
		partner, ok := d.Latest(peerID)
		if !ok {
			continue
		}

		a, b := sample, partner
		if b.SubjectID < a.SubjectID {
			a, b = b, a
		}
		o := evaluate(d.cfg, sample.CapturedAt, a, b)

		evs, session := d.observe(a.SubjectID, b.SubjectID, o)
		d.publish(evs)
		if session != nil {
			closed = append(closed, *session)
		}
	}
	return closed, nil
}

func (d *Detector) record(sample models.PositionSample) error {
	d.tracksMu.Lock()
	defer d.tracksMu.Unlock()

	t, ok := d.tracks[sample.SubjectID]
	if !ok {
		t = &track{}
		d.tracks[sample.SubjectID] = t
	} else if sample.CapturedAt.Before(t.latest.CapturedAt) {
		return fmt.Errorf("%w: %s at %s before %s", ErrOutOfOrder, sample.SubjectID,
			sample.CapturedAt.Format(time.RFC3339), t.latest.CapturedAt.Format(time.RFC3339))
	}
	t.latest = sample
	t.window = append(t.window, sample)
	t.window = pruneWindow(t.window, sample.CapturedAt.Add(-d.cfg.RetainWindow))
	return nil
}

func pruneWindow(window []models.PositionSample, cutoff time.Time) []models.PositionSample {
	i := 0
	for i < len(window)-1 && window[i].CapturedAt.Before(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}

// observe runs one observation against the pair, materializing it only when
// the observation qualifies.
func (d *Detector) observe(a, b string, o observation) ([]events.Event, *models.HangoutSession) {
	key := PairKey(a, b)
	for {
		d.pairsMu.Lock()
		p, ok := d.pairs[key]
		if !ok {
			if !o.qualifying {
				d.pairsMu.Unlock()
				return nil, nil
			}
			p = newPair(a, b)
			d.pairs[key] = p
			d.setTracked()
		}
		d.pairsMu.Unlock()

		p.mu.Lock()
		if p.removed {
			// dropped by a concurrent Tick, look it up again
			p.mu.Unlock()
			d.unlink(key, p)
			continue
		}
		evs, session := p.observe(d.cfg, o)
		p.mu.Unlock()
		return evs, session
	}
}

// Tick closes active pairs whose qualifying samples went stale or whose
// disqualification outlasted the merge gap, and drops idle pairs.
func (d *Detector) Tick(now time.Time) []models.HangoutSession {
	d.pairsMu.Lock()
	list := make([]*pair, 0, len(d.pairs))
	for _, p := range d.pairs {
		list = append(list, p)
	}
	d.pairsMu.Unlock()

	var (
		closed []models.HangoutSession
		evs    []events.Event
	)
	for _, p := range list {
		p.mu.Lock()
		e, session := p.expire(d.cfg, now)
		drop := p.state.Status == models.PairIdle && !p.removed
		if drop {
			p.removed = true
		}
		key := p.state.PairKey
		p.mu.Unlock()
		if drop {
			d.unlink(key, p)
		}

		evs = append(evs, e...)
		if session != nil {
			closed = append(closed, *session)
		}
	}
	d.publish(evs)
	d.pruneTracks(now)
	return closed
}

// unlink removes p from the pair table if it is still the entry for key.
// Callers must not hold p.mu.
func (d *Detector) unlink(key string, p *pair) {
	d.pairsMu.Lock()
	defer d.pairsMu.Unlock()
	if d.pairs[key] == p {
		delete(d.pairs, key)
		d.setTracked()
	}
}

func (d *Detector) pruneTracks(now time.Time) {
	cutoff := now.Add(-d.cfg.RetainWindow)
	d.tracksMu.Lock()
	defer d.tracksMu.Unlock()
	for _, t := range d.tracks {
		t.window = pruneWindow(t.window, cutoff)
	}
}

// Latest returns the most recent sample of a subject.
func (d *Detector) Latest(subjectID string) (models.PositionSample, bool) {
	d.tracksMu.RLock()
	defer d.tracksMu.RUnlock()
	t, ok := d.tracks[subjectID]
	if !ok {
		return models.PositionSample{}, false
	}
	return t.latest, true
}

// Recent returns the subject's rolling sample window, oldest first.
func (d *Detector) Recent(subjectID string) []models.PositionSample {
	d.tracksMu.RLock()
	defer d.tracksMu.RUnlock()
	t, ok := d.tracks[subjectID]
	if !ok {
		return nil
	}
	out := make([]models.PositionSample, len(t.window))
	copy(out, t.window)
	return out
}

// Forget drops a subject's samples and every pair they take part in. Open
// sessions are discarded, not emitted.
func (d *Detector) Forget(subjectID string) {
	d.tracksMu.Lock()
	delete(d.tracks, subjectID)
	d.tracksMu.Unlock()

	d.pairsMu.Lock()
	defer d.pairsMu.Unlock()
	for key, p := range d.pairs {
		p.mu.Lock()
		if p.state.SubjectA == subjectID || p.state.SubjectB == subjectID {
			p.removed = true
			delete(d.pairs, key)
		}
		p.mu.Unlock()
	}
	d.setTracked()
}

// State returns the current state of a pair. Unmaterialized pairs are Idle.
func (d *Detector) State(a, b string) models.PairState {
	key := PairKey(a, b)
	d.pairsMu.Lock()
	p, ok := d.pairs[key]
	d.pairsMu.Unlock()
	if !ok {
		idle := newPair(a, b)
		return idle.state
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Snapshot returns every materialized pair, ordered by key.
func (d *Detector) Snapshot() []models.PairState {
	d.pairsMu.Lock()
	list := make([]*pair, 0, len(d.pairs))
	for _, p := range d.pairs {
		list = append(list, p)
	}
	d.pairsMu.Unlock()

	out := make([]models.PairState, 0, len(list))
	for _, p := range list {
		p.mu.Lock()
		out = append(out, p.state)
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairKey < out[j].PairKey })
	return out
}

// Restore loads checkpointed pair states. Idle and ended states are ignored.
func (d *Detector) Restore(states []models.PairState) {
	d.pairsMu.Lock()
	defer d.pairsMu.Unlock()
	for _, st := range states {
		if st.Status != models.PairCandidate && st.Status != models.PairActive {
			continue
		}
		p := newPair(st.SubjectA, st.SubjectB)
		key := p.state.PairKey
		p.state = st
		p.state.PairKey = key
		d.pairs[key] = p
	}
	d.setTracked()
	d.log.WithField("pairs", len(d.pairs)).Info("restored pair states")
}

// setTracked must be called with pairsMu held.
func (d *Detector) setTracked() {
	if d.metrics != nil {
		d.metrics.PairsTracked.Set(float64(len(d.pairs)))
	}
}

func (d *Detector) publish(evs []events.Event) {
	for _, e := range evs {
		if d.metrics != nil {
			if _, ok := e.(events.SessionEnded); ok {
				d.metrics.HangoutsClosed.Inc()
			}
		}
		if d.pub != nil {
			d.pub.Publish(e)
		}
	}
}
