package service

import (
	"context"
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// RegisterUser creates a user if it does not exist yet.
func (c *Core) RegisterUser(ctx context.Context, userID string) error {
	return c.users.CreateUser(ctx, models.User{ID: userID, CreatedAt: c.now().UTC()})
}

// CreateCircle creates a circle if it does not exist yet.
func (c *Core) CreateCircle(ctx context.Context, circleID string) error {
	if err := c.users.CreateCircle(ctx, models.Circle{ID: circleID, CreatedAt: c.now().UTC()}); err != nil {
		return err
	}
	return c.refreshMembership(ctx)
}

// JoinCircle adds a user to a circle; the pair becomes eligible for hangouts.
func (c *Core) JoinCircle(ctx context.Context, circleID, userID string) error {
	if err := c.users.AddMember(ctx, circleID, userID, c.now().UTC()); err != nil {
		return err
	}
	return c.refreshMembership(ctx)
}

// LeaveCircle removes a user from a circle.
func (c *Core) LeaveCircle(ctx context.Context, circleID, userID string) error {
	if err := c.users.RemoveMember(ctx, circleID, userID); err != nil {
		return err
	}
	return c.refreshMembership(ctx)
}

// DeleteCircle removes a circle with its memberships and challenges.
func (c *Core) DeleteCircle(ctx context.Context, circleID string) error {
	chs, err := c.challenges.ListByCircle(ctx, circleID)
	if err != nil {
		return err
	}
	if err := c.users.DeleteCircle(ctx, circleID); err != nil {
		return err
	}
	for _, ch := range chs {
		c.scheduler.Unregister(ch.ID)
		c.dwell.Unregister(ch.ID)
	}
	return c.refreshMembership(ctx)
}

// DeleteUser removes a user with every row and in-memory state owned by them.
func (c *Core) DeleteUser(ctx context.Context, userID string) error {
	if err := c.users.DeleteUser(ctx, userID); err != nil {
		return err
	}
	c.detector.Forget(userID)
	c.dwell.Forget(userID)
	c.integrity.Forget(userID)
	if err := c.refreshMembership(ctx); err != nil {
		return err
	}
	return c.ledger.Rebuild(ctx)
}

// GetLedgerTotal returns the user's running points total.
func (c *Core) GetLedgerTotal(userID string) int64 {
	return c.ledger.Total(userID)
}

// LedgerEntries returns the user's entries in insertion order.
func (c *Core) LedgerEntries(ctx context.Context, userID string) ([]models.LedgerEntry, error) {
	return c.ledger.Entries(ctx, userID)
}

// GetWeeklySnapshot ranks a circle for the week containing at.
func (c *Core) GetWeeklySnapshot(ctx context.Context, circleID string, at time.Time) (models.WeeklySnapshot, error) {
	return c.ledger.Snapshot(ctx, circleID, at, c.now())
}

// IntegrityScore returns the user's current plausibility score.
func (c *Core) IntegrityScore(userID string) models.IntegrityScore {
	return c.integrity.Score(userID, c.now())
}

// HangoutState returns the state of the pair (a, b).
func (c *Core) HangoutState(a, b string) models.PairState {
	return c.detector.State(a, b)
}
