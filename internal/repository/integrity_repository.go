package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// SuspiciousEventRepository stores the integrity log
type SuspiciousEventRepository struct {
	db *sql.DB
}

// NewSuspiciousEventRepository creates a new suspicious event repository
func NewSuspiciousEventRepository(db *sql.DB) *SuspiciousEventRepository {
	return &SuspiciousEventRepository{db: db}
}

// SaveSuspiciousEvent appends an event
func (r *SuspiciousEventRepository) SaveSuspiciousEvent(ctx context.Context, ev models.SuspiciousEvent) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO suspicious_events (id, user_id, kind, severity, detected_at, details)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.UserID, string(ev.Kind), string(ev.Severity), toMillis(ev.DetectedAt), ev.Details)
	if err != nil {
		return fmt.Errorf("failed to save suspicious event: %w", err)
	}
	return nil
}

// ListSince returns every event detected at or after since, grouped by user in detection order
func (r *SuspiciousEventRepository) ListSince(ctx context.Context, since time.Time) (map[string][]models.SuspiciousEvent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, user_id, kind, severity, detected_at, details
		FROM suspicious_events WHERE detected_at >= ?
		ORDER BY user_id, detected_at, id`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query suspicious events: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.SuspiciousEvent)
	for rows.Next() {
		var (
			ev             models.SuspiciousEvent
			kind, severity string
			detectedAt     int64
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &kind, &severity, &detectedAt, &ev.Details); err != nil {
			return nil, fmt.Errorf("failed to scan suspicious event: %w", err)
		}
		ev.Kind = models.SuspiciousKind(kind)
		ev.Severity = models.Severity(severity)
		ev.DetectedAt = fromMillis(detectedAt)
		out[ev.UserID] = append(out[ev.UserID], ev)
	}
	return out, rows.Err()
}

// PurgeBefore deletes events detected before the cutoff and returns how many were removed
func (r *SuspiciousEventRepository) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM suspicious_events WHERE detected_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge suspicious events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge suspicious events: %w", err)
	}
	return n, nil
}
