package service

import (
	"context"
	"fmt"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// DefineChallenge validates an authored definition, stores it and schedules it.
// Redefining an existing ID replaces its parameters.
func (c *Core) DefineChallenge(ctx context.Context, def models.ChallengeDefinition) (models.Challenge, error) {
	ch, err := def.ToChallenge()
	if err != nil {
		return models.Challenge{}, err
	}
	if err := c.challenges.SaveChallenge(ctx, ch, c.now()); err != nil {
		return models.Challenge{}, err
	}
	if ch.Geofence == nil {
		c.dwell.Unregister(ch.ID)
	}
	c.schedule(ch)
	c.log.WithField("challenge_id", ch.ID).Info("challenge defined")
	return ch, nil
}

// DeactivateChallenge stops scheduling a challenge. Evaluations already in
// flight re-check the stored flag before writing and are discarded.
func (c *Core) DeactivateChallenge(ctx context.Context, challengeID string) error {
	if err := c.challenges.SetActive(ctx, challengeID, false); err != nil {
		return err
	}
	c.scheduler.Unregister(challengeID)
	c.dwell.Unregister(challengeID)
	c.log.WithField("challenge_id", challengeID).Info("challenge deactivated")
	return nil
}

// GetChallenge returns a stored challenge.
func (c *Core) GetChallenge(ctx context.Context, challengeID string) (models.Challenge, error) {
	return c.challenges.GetChallenge(ctx, challengeID)
}

// EvaluateChallenge evaluates the current period of a challenge for one user.
func (c *Core) EvaluateChallenge(ctx context.Context, challengeID, userID string) (models.Outcome, error) {
	ch, err := c.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("failed to load challenge: %w", err)
	}
	return c.evaluator.Evaluate(ctx, ch, userID, c.now())
}

// RunScheduledSweep runs one sweep immediately.
func (c *Core) RunScheduledSweep(ctx context.Context) ([]models.Outcome, error) {
	return c.scheduler.Sweep(ctx, c.now())
}

// Results returns the latest verdicts recorded for a user.
func (c *Core) Results(ctx context.Context, userID string, limit int) ([]models.ChallengeResult, error) {
	return c.results.ListByUser(ctx, userID, limit)
}
