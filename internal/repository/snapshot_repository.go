package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// SnapshotRepository stores computed weekly snapshots
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// SaveSnapshot stores a snapshot once; rows already stored for the week are kept
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, s models.WeeklySnapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range s.Entries {
		_, err := tx.ExecContext(ctx, `INSERT INTO weekly_snapshots (circle_id, week_start, user_id, rank, points, badge)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(circle_id, week_start, user_id) DO NOTHING`,
			s.CircleID, toMillis(s.WeekStart), e.UserID, e.Rank, e.Points, boolToInt(e.Badge))
		if err != nil {
			return fmt.Errorf("failed to save snapshot entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads a stored snapshot. The second return is false when none exists.
func (r *SnapshotRepository) GetSnapshot(ctx context.Context, circleID string, weekStart time.Time) (models.WeeklySnapshot, bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, rank, points, badge FROM weekly_snapshots
		WHERE circle_id = ? AND week_start = ? ORDER BY rank`, circleID, toMillis(weekStart))
	if err != nil {
		return models.WeeklySnapshot{}, false, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	snap := models.WeeklySnapshot{
		CircleID:  circleID,
		WeekStart: weekStart,
		WeekEnd:   weekStart.AddDate(0, 0, 7),
	}
	for rows.Next() {
		var (
			e     models.SnapshotEntry
			badge int
		)
		if err := rows.Scan(&e.UserID, &e.Rank, &e.Points, &badge); err != nil {
			return models.WeeklySnapshot{}, false, fmt.Errorf("failed to scan snapshot entry: %w", err)
		}
		e.Badge = badge == 1
		snap.Entries = append(snap.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return models.WeeklySnapshot{}, false, err
	}
	return snap, len(snap.Entries) > 0, nil
}
