package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// ResultRepository handles challenge results
type ResultRepository struct {
	q querier
}

// NewResultRepository creates a new result repository
func NewResultRepository(db *sql.DB) *ResultRepository {
	return &ResultRepository{q: db}
}

// WithTx returns a repository bound to tx
func (r *ResultRepository) WithTx(tx *sql.Tx) *ResultRepository {
	return &ResultRepository{q: tx}
}

// InsertResult writes a result unless one already exists for its
// (challenge, user, day) key. It reports whether the row was inserted.
func (r *ResultRepository) InsertResult(ctx context.Context, res models.ChallengeResult) (bool, error) {
	out, err := r.q.ExecContext(ctx, `INSERT INTO challenge_results (
		challenge_id, user_id, day, verified, confidence, method, evaluated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(challenge_id, user_id, day) DO NOTHING`,
		res.ChallengeID, res.UserID, res.Day, boolToInt(res.Verified), res.Confidence,
		string(res.Method), toMillis(res.EvaluatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert challenge result: %w", err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert challenge result: %w", err)
	}
	return n == 1, nil
}

// GetResult retrieves the result for a (challenge, user, day) key
func (r *ResultRepository) GetResult(ctx context.Context, challengeID, userID, day string) (models.ChallengeResult, error) {
	row := r.q.QueryRowContext(ctx, `SELECT challenge_id, user_id, day, verified, confidence, method, evaluated_at
		FROM challenge_results WHERE challenge_id = ? AND user_id = ? AND day = ?`,
		challengeID, userID, day)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChallengeResult{}, ErrNotFound
	}
	if err != nil {
		return models.ChallengeResult{}, fmt.Errorf("failed to get challenge result: %w", err)
	}
	return res, nil
}

// VerifiedUsers returns the users who passed the challenge on day, ordered by ID
func (r *ResultRepository) VerifiedUsers(ctx context.Context, challengeID, day string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT user_id FROM challenge_results
		WHERE challenge_id = ? AND day = ? AND verified = 1
		ORDER BY user_id`, challengeID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query verified users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan verified user: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// ListByUser returns a user's results, newest first
func (r *ResultRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.ChallengeResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `SELECT challenge_id, user_id, day, verified, confidence, method, evaluated_at
		FROM challenge_results WHERE user_id = ?
		ORDER BY evaluated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query challenge results: %w", err)
	}
	defer rows.Close()

	var out []models.ChallengeResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge result: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanResult(s scanner) (models.ChallengeResult, error) {
	var (
		res         models.ChallengeResult
		verified    int
		method      string
		evaluatedAt int64
	)
	if err := s.Scan(&res.ChallengeID, &res.UserID, &res.Day, &verified, &res.Confidence, &method, &evaluatedAt); err != nil {
		return models.ChallengeResult{}, err
	}
	res.Verified = verified == 1
	res.Method = models.VerificationMethod(method)
	res.EvaluatedAt = fromMillis(evaluatedAt)
	return res, nil
}

// ChallengeActive reports whether the challenge exists and is active. Run it on
// a transaction-bound repository to check before writing a result.
func (r *ResultRepository) ChallengeActive(ctx context.Context, challengeID string) (bool, error) {
	var active int
	err := r.q.QueryRowContext(ctx, `SELECT active FROM challenges WHERE id = ?`, challengeID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check challenge state: %w", err)
	}
	return active == 1, nil
}
