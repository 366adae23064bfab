package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/geraldsadya/circles-backend-go/internal/events"
	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/proximity"
)

// Feed names used as metric labels.
const (
	FeedPosition = "position"
	FeedMotion   = "motion"
	FeedProof    = "proof"
	FeedClock    = "clock"
	FeedFocus    = "focus"
)

// Ack tells a sensor feed whether its record was taken. Rejected records are
// dropped, not errors: the stream keeps flowing.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

var accepted = Ack{Accepted: true}

func (c *Core) drop(feed string, err error) Ack {
	reason := "invalid"
	if errors.Is(err, proximity.ErrOutOfOrder) {
		reason = "out_of_order"
	}
	c.metrics.SamplesDropped.WithLabelValues(feed, reason).Inc()
	c.log.WithFields(logrus.Fields{"feed": feed, "reason": reason}).WithError(err).Debug("sample dropped")
	return Ack{Reason: err.Error()}
}

func (c *Core) ingested(feed string) {
	c.metrics.SamplesIngested.WithLabelValues(feed).Inc()
}

// IngestPositionSample feeds a location fix to the proximity detector, the
// dwell evaluator and the integrity scorer, then settles whatever closed.
func (c *Core) IngestPositionSample(ctx context.Context, s models.PositionSample) (Ack, error) {
	closed, err := c.detector.Ingest(s)
	if err != nil {
		return c.drop(FeedPosition, err), nil
	}
	c.ingested(FeedPosition)

	credits := c.dwell.Observe(s)
	c.sessionsClosed(ctx, closed)
	for _, cr := range credits {
		if err := c.checkClaims(ctx, cr.SubjectID, cr.Start, cr.End); err != nil {
			c.log.WithField("user_id", cr.SubjectID).WithError(err).Warn("consistency check failed")
		}
	}

	if _, err := c.integrity.ObservePosition(ctx, s); err != nil {
		return accepted, fmt.Errorf("failed to record integrity event: %w", err)
	}
	return accepted, nil
}

// IngestMotionEvent stores a motion classification and checks it against the
// user's recent positions. A mismatch asks for a live proof.
func (c *Core) IngestMotionEvent(ctx context.Context, e models.MotionEvent) (Ack, error) {
	if err := e.Validate(); err != nil {
		return c.drop(FeedMotion, err), nil
	}
	id, err := c.sensors.SaveMotionEvent(ctx, e)
	if err != nil {
		return Ack{}, err
	}
	e.ID = id
	c.ingested(FeedMotion)

	_, req, err := c.integrity.ObserveMotion(ctx, e)
	if req != nil {
		c.bus.Publish(events.ProofRequested{UserID: req.UserID, Reason: req.Reason, At: req.At})
	}
	if err != nil {
		return accepted, fmt.Errorf("failed to record integrity event: %w", err)
	}
	return accepted, nil
}

// IngestProofResult stores a capture result and triggers evaluation of its challenge.
func (c *Core) IngestProofResult(ctx context.Context, p models.ProofResult) (Ack, error) {
	if err := p.Validate(); err != nil {
		return c.drop(FeedProof, err), nil
	}
	id, err := c.sensors.SaveProof(ctx, p)
	if err != nil {
		return Ack{}, err
	}
	p.ID = id
	c.ingested(FeedProof)
	c.bus.Publish(events.ProofReceived{Proof: p})
	return accepted, nil
}

// IngestClockReading checks the device clock against its monotonic uptime.
func (c *Core) IngestClockReading(ctx context.Context, r models.ClockReading) (Ack, error) {
	if err := r.Validate(); err != nil {
		return c.drop(FeedClock, err), nil
	}
	c.ingested(FeedClock)
	if _, err := c.integrity.ObserveClock(ctx, r); err != nil {
		return accepted, fmt.Errorf("failed to record integrity event: %w", err)
	}
	return accepted, nil
}

// IngestFocusSession stores a focus period for the screen-time proxy.
func (c *Core) IngestFocusSession(ctx context.Context, f models.FocusSession) (Ack, error) {
	if err := f.Validate(); err != nil {
		return c.drop(FeedFocus, err), nil
	}
	if err := c.sensors.SaveFocusSession(ctx, f); err != nil {
		return Ack{}, err
	}
	c.ingested(FeedFocus)
	return accepted, nil
}
