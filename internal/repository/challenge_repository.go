package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// ChallengeRepository handles challenge definitions and their geofences
type ChallengeRepository struct {
	db *sql.DB
}

// NewChallengeRepository creates a new challenge repository
func NewChallengeRepository(db *sql.DB) *ChallengeRepository {
	return &ChallengeRepository{db: db}
}

const challengeColumns = `c.id, c.circle_id, c.verification_method, c.fallback_method,
	c.target_value, c.target_unit, c.frequency, c.window_start, c.window_end,
	c.points_on_pass, c.points_on_fail, c.bonus_points, c.active,
	g.id, g.lat, g.lon, g.radius_meters, g.min_dwell_minutes, g.cooldown_hours`

const challengeFrom = ` FROM challenges c LEFT JOIN geofences g ON g.challenge_id = c.id`

// SaveChallenge inserts or replaces a challenge and its geofence in one transaction.
// Replacing a challenge without a geofence removes the old one.
func (r *ChallengeRepository) SaveChallenge(ctx context.Context, c models.Challenge, createdAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO challenges (
		id, circle_id, verification_method, fallback_method, target_value, target_unit,
		frequency, window_start, window_end, points_on_pass, points_on_fail, bonus_points,
		active, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		circle_id = excluded.circle_id,
		verification_method = excluded.verification_method,
		fallback_method = excluded.fallback_method,
		target_value = excluded.target_value,
		target_unit = excluded.target_unit,
		frequency = excluded.frequency,
		window_start = excluded.window_start,
		window_end = excluded.window_end,
		points_on_pass = excluded.points_on_pass,
		points_on_fail = excluded.points_on_fail,
		bonus_points = excluded.bonus_points,
		active = excluded.active`,
		c.ID, c.CircleID, string(c.VerificationMethod), string(c.FallbackMethod), c.TargetValue, c.TargetUnit,
		string(c.Frequency), toMillis(c.Window.Start), toMillis(c.Window.End), c.PointsOnPass, c.PointsOnFail,
		c.BonusPoints, boolToInt(c.Active), toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("failed to save challenge: %w", err)
	}

	if c.Geofence == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM geofences WHERE challenge_id = ?`, c.ID); err != nil {
			return fmt.Errorf("failed to remove geofence: %w", err)
		}
	} else {
		g := c.Geofence
		_, err = tx.ExecContext(ctx, `INSERT INTO geofences (
			id, challenge_id, lat, lon, radius_meters, min_dwell_minutes, cooldown_hours
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lat = excluded.lat,
			lon = excluded.lon,
			radius_meters = excluded.radius_meters,
			min_dwell_minutes = excluded.min_dwell_minutes,
			cooldown_hours = excluded.cooldown_hours`,
			g.ID, c.ID, g.Center.Lat, g.Center.Lon, g.RadiusMeters, g.MinDwellMinutes, g.CooldownHours)
		if err != nil {
			return fmt.Errorf("failed to save geofence: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit challenge: %w", err)
	}
	return nil
}

// GetChallenge retrieves a challenge with its geofence
func (r *ChallengeRepository) GetChallenge(ctx context.Context, id string) (models.Challenge, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+challengeColumns+challengeFrom+` WHERE c.id = ?`, id)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Challenge{}, ErrNotFound
	}
	if err != nil {
		return models.Challenge{}, fmt.Errorf("failed to get challenge: %w", err)
	}
	return c, nil
}

// ListActive returns every active challenge
func (r *ChallengeRepository) ListActive(ctx context.Context) ([]models.Challenge, error) {
	return r.list(ctx, ` WHERE c.active = 1 ORDER BY c.id`)
}

// ListByCircle returns the challenges of a circle, active or not
func (r *ChallengeRepository) ListByCircle(ctx context.Context, circleID string) ([]models.Challenge, error) {
	return r.list(ctx, ` WHERE c.circle_id = ? ORDER BY c.id`, circleID)
}

// SetActive flips the active flag of a challenge
func (r *ChallengeRepository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE challenges SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChallenge removes a challenge; its geofence, dwell states and results cascade
func (r *ChallengeRepository) DeleteChallenge(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM challenges WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

func (r *ChallengeRepository) list(ctx context.Context, where string, args ...any) ([]models.Challenge, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+challengeColumns+challengeFrom+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query challenges: %w", err)
	}
	defer rows.Close()

	var out []models.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChallenge(s scanner) (models.Challenge, error) {
	var (
		c                      models.Challenge
		method, fallback, freq string
		windowStart, windowEnd int64
		active                 int
		geofenceID             sql.NullString
		lat, lon, radius       sql.NullFloat64
		minDwell, cooldown     sql.NullFloat64
	)
	err := s.Scan(&c.ID, &c.CircleID, &method, &fallback,
		&c.TargetValue, &c.TargetUnit, &freq, &windowStart, &windowEnd,
		&c.PointsOnPass, &c.PointsOnFail, &c.BonusPoints, &active,
		&geofenceID, &lat, &lon, &radius, &minDwell, &cooldown)
	if err != nil {
		return models.Challenge{}, err
	}

	if c.VerificationMethod, err = models.ParseVerificationMethod(method); err != nil {
		return models.Challenge{}, err
	}
	if c.FallbackMethod, err = models.ParseVerificationMethod(fallback); err != nil {
		return models.Challenge{}, err
	}
	if c.Frequency, err = models.ParseFrequency(freq); err != nil {
		return models.Challenge{}, err
	}
	c.Window = models.Window{Start: fromMillis(windowStart), End: fromMillis(windowEnd)}
	c.Active = active == 1

	if geofenceID.Valid {
		c.Geofence = &models.Geofence{
			ID:               geofenceID.String,
			OwnerChallengeID: c.ID,
			Center:           models.Coordinate{Lat: lat.Float64, Lon: lon.Float64},
			RadiusMeters:     radius.Float64,
			MinDwellMinutes:  minDwell.Float64,
			CooldownHours:    cooldown.Float64,
		}
	}
	return c, nil
}
