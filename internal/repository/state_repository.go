package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// StateRepository checkpoints the in-memory state machines
type StateRepository struct {
	db *sql.DB
}

// NewStateRepository creates a new state repository
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

// ReplacePairStates swaps the stored pair checkpoint for states
func (r *StateRepository) ReplacePairStates(ctx context.Context, states []models.PairState) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pair_states`); err != nil {
		return fmt.Errorf("failed to clear pair states: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pair_states (
		pair_key, subject_a, subject_b, status, candidate_since, active_since,
		last_qualifying_at, disqualified_at, accumulated_seconds, last_evaluated_at,
		center_lat, center_lon
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range states {
		_, err := stmt.ExecContext(ctx, s.PairKey, s.SubjectA, s.SubjectB, string(s.Status),
			toMillis(s.CandidateSince), toMillis(s.ActiveSince), toMillis(s.LastQualifyingSampleAt),
			toMillis(s.DisqualifiedAt), s.AccumulatedSeconds, toMillis(s.LastEvaluatedAt),
			s.Center.Lat, s.Center.Lon)
		if err != nil {
			return fmt.Errorf("failed to insert pair state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pair states: %w", err)
	}
	return nil
}

// LoadPairStates returns the stored pair checkpoint
func (r *StateRepository) LoadPairStates(ctx context.Context) ([]models.PairState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT pair_key, subject_a, subject_b, status, candidate_since,
		active_since, last_qualifying_at, disqualified_at, accumulated_seconds, last_evaluated_at,
		center_lat, center_lon FROM pair_states ORDER BY pair_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pair states: %w", err)
	}
	defer rows.Close()

	var out []models.PairState
	for rows.Next() {
		var (
			s                                      models.PairState
			status                                 string
			candidate, active, lastQ, disq, evalAt int64
		)
		if err := rows.Scan(&s.PairKey, &s.SubjectA, &s.SubjectB, &status, &candidate,
			&active, &lastQ, &disq, &s.AccumulatedSeconds, &evalAt,
			&s.Center.Lat, &s.Center.Lon); err != nil {
			return nil, fmt.Errorf("failed to scan pair state: %w", err)
		}
		s.Status = models.PairStatus(status)
		s.CandidateSince = fromMillis(candidate)
		s.ActiveSince = fromMillis(active)
		s.LastQualifyingSampleAt = fromMillis(lastQ)
		s.DisqualifiedAt = fromMillis(disq)
		s.LastEvaluatedAt = fromMillis(evalAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveDwellStates upserts dwell accumulators. States whose geofence no longer
// exists are skipped rather than failing the batch.
func (r *StateRepository) SaveDwellStates(ctx context.Context, states []models.DwellState) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO dwell_states (
		subject_id, geofence_id, seconds_inside, sample_count_total, sample_count_sufficient,
		last_credit_at, last_credit_ratio, last_sample_at, last_sample_inside, visit_started_at
	) SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
	WHERE EXISTS (SELECT 1 FROM geofences WHERE id = ?)
	ON CONFLICT(subject_id, geofence_id) DO UPDATE SET
		seconds_inside = excluded.seconds_inside,
		sample_count_total = excluded.sample_count_total,
		sample_count_sufficient = excluded.sample_count_sufficient,
		last_credit_at = excluded.last_credit_at,
		last_credit_ratio = excluded.last_credit_ratio,
		last_sample_at = excluded.last_sample_at,
		last_sample_inside = excluded.last_sample_inside,
		visit_started_at = excluded.visit_started_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range states {
		_, err := stmt.ExecContext(ctx, s.SubjectID, s.GeofenceID, s.SecondsInside, s.SampleCountTotal,
			s.SampleCountSufficient, toMillis(s.LastCreditAt), s.LastCreditRatio, toMillis(s.LastSampleAt),
			boolToInt(s.LastSampleInside), toMillis(s.VisitStartedAt), s.GeofenceID)
		if err != nil {
			return fmt.Errorf("failed to upsert dwell state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dwell states: %w", err)
	}
	return nil
}

// LoadDwellStates returns every stored dwell accumulator
func (r *StateRepository) LoadDwellStates(ctx context.Context) ([]models.DwellState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT subject_id, geofence_id, seconds_inside, sample_count_total,
		sample_count_sufficient, last_credit_at, last_credit_ratio, last_sample_at, last_sample_inside,
		visit_started_at FROM dwell_states ORDER BY subject_id, geofence_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dwell states: %w", err)
	}
	defer rows.Close()

	var out []models.DwellState
	for rows.Next() {
		var (
			s                               models.DwellState
			lastCredit, lastSample, visitAt int64
			inside                          int
		)
		if err := rows.Scan(&s.SubjectID, &s.GeofenceID, &s.SecondsInside, &s.SampleCountTotal,
			&s.SampleCountSufficient, &lastCredit, &s.LastCreditRatio, &lastSample, &inside,
			&visitAt); err != nil {
			return nil, fmt.Errorf("failed to scan dwell state: %w", err)
		}
		s.LastCreditAt = fromMillis(lastCredit)
		s.LastSampleAt = fromMillis(lastSample)
		s.LastSampleInside = inside == 1
		s.VisitStartedAt = fromMillis(visitAt)
		out = append(out, s)
	}
	return out, rows.Err()
}
