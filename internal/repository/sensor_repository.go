package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// SensorRepository stores the motion, proof and focus feeds
type SensorRepository struct {
	db *sql.DB
}

// NewSensorRepository creates a new sensor repository
func NewSensorRepository(db *sql.DB) *SensorRepository {
	return &SensorRepository{db: db}
}

// SaveMotionEvent appends a motion classifier output
func (r *SensorRepository) SaveMotionEvent(ctx context.Context, e models.MotionEvent) (int64, error) {
	var steps any
	if e.StepCount != nil {
		steps = *e.StepCount
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO motion_events (subject_id, activity, ts, step_count)
		VALUES (?, ?, ?, ?)`, e.SubjectID, string(e.Activity), toMillis(e.Timestamp), steps)
	if err != nil {
		return 0, fmt.Errorf("failed to save motion event: %w", err)
	}
	return res.LastInsertId()
}

// MotionBetween returns a subject's motion events in [from, to), oldest first
func (r *SensorRepository) MotionBetween(ctx context.Context, subjectID string, from, to time.Time) ([]models.MotionEvent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, subject_id, activity, ts, step_count
		FROM motion_events WHERE subject_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts, id`, subjectID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query motion events: %w", err)
	}
	defer rows.Close()

	var out []models.MotionEvent
	for rows.Next() {
		var (
			e        models.MotionEvent
			activity string
			ts       int64
			steps    sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.SubjectID, &activity, &ts, &steps); err != nil {
			return nil, fmt.Errorf("failed to scan motion event: %w", err)
		}
		e.Activity = models.ActivityKind(activity)
		e.Timestamp = fromMillis(ts)
		if steps.Valid {
			n := steps.Int64
			e.StepCount = &n
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveProof appends a proof-capture result
func (r *SensorRepository) SaveProof(ctx context.Context, p models.ProofResult) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO proof_results (subject_id, challenge_id, passed, confidence, ts)
		VALUES (?, ?, ?, ?, ?)`, p.SubjectID, p.ChallengeID, boolToInt(p.Passed), p.Confidence, toMillis(p.Timestamp))
	if err != nil {
		return 0, fmt.Errorf("failed to save proof result: %w", err)
	}
	return res.LastInsertId()
}

// LatestProof returns the newest proof for a challenge captured in [from, to)
func (r *SensorRepository) LatestProof(ctx context.Context, subjectID, challengeID string, from, to time.Time) (models.ProofResult, error) {
	var (
		p      models.ProofResult
		passed int
		ts     int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, subject_id, challenge_id, passed, confidence, ts
		FROM proof_results WHERE subject_id = ? AND challenge_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts DESC, id DESC LIMIT 1`,
		subjectID, challengeID, toMillis(from), toMillis(to)).
		Scan(&p.ID, &p.SubjectID, &p.ChallengeID, &passed, &p.Confidence, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProofResult{}, ErrNotFound
	}
	if err != nil {
		return models.ProofResult{}, fmt.Errorf("failed to get proof result: %w", err)
	}
	p.Passed = passed == 1
	p.Timestamp = fromMillis(ts)
	return p, nil
}

// SaveFocusSession upserts a focus session
func (r *SensorRepository) SaveFocusSession(ctx context.Context, f models.FocusSession) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO focus_sessions (id, user_id, started_at, ended_at, completed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			completed = excluded.completed`,
		f.ID, f.UserID, toMillis(f.StartedAt), toMillis(f.EndedAt), boolToInt(f.Completed))
	if err != nil {
		return fmt.Errorf("failed to save focus session: %w", err)
	}
	return nil
}

// CompletedFocus returns the number and total minutes of completed focus
// sessions that ended in [from, to)
func (r *SensorRepository) CompletedFocus(ctx context.Context, userID string, from, to time.Time) (int, float64, error) {
	var (
		count  int
		millis sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(ended_at - started_at) FROM focus_sessions
		WHERE user_id = ? AND completed = 1 AND ended_at >= ? AND ended_at < ?`,
		userID, toMillis(from), toMillis(to)).Scan(&count, &millis)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count focus sessions: %w", err)
	}
	return count, float64(millis.Int64) / float64(time.Minute/time.Millisecond), nil
}

// PurgeBefore deletes sensor rows older than the cutoff
func (r *SensorRepository) PurgeBefore(ctx context.Context, before time.Time) error {
	cutoff := toMillis(before)
	for _, stmt := range []string{
		`DELETE FROM motion_events WHERE ts < ?`,
		`DELETE FROM proof_results WHERE ts < ?`,
		`DELETE FROM focus_sessions WHERE ended_at < ?`,
	} {
		if _, err := r.db.ExecContext(ctx, stmt, cutoff); err != nil {
			return fmt.Errorf("failed to purge sensor rows: %w", err)
		}
	}
	return nil
}
