package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// HangoutRepository handles closed hangout sessions
type HangoutRepository struct {
	q querier
}

// NewHangoutRepository creates a new hangout repository
func NewHangoutRepository(db *sql.DB) *HangoutRepository {
	return &HangoutRepository{q: db}
}

// WithTx returns a repository bound to tx
func (r *HangoutRepository) WithTx(tx *sql.Tx) *HangoutRepository {
	return &HangoutRepository{q: tx}
}

// SaveSession writes a session and its participants. Saving the same session
// twice is a no-op, which makes retried writes safe.
func (r *HangoutRepository) SaveSession(ctx context.Context, s models.HangoutSession) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO hangout_sessions (id, started_at, ended_at, center_lat, center_lon)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		s.ID, toMillis(s.StartedAt), toMillis(s.EndedAt), s.Center.Lat, s.Center.Lon)
	if err != nil {
		return fmt.Errorf("failed to save hangout session: %w", err)
	}
	for _, userID := range s.ParticipantIDs {
		_, err := r.q.ExecContext(ctx, `INSERT INTO hangout_participants (session_id, user_id, duration_seconds)
			VALUES (?, ?, ?) ON CONFLICT(session_id, user_id) DO NOTHING`,
			s.ID, userID, s.DurationFor(userID))
		if err != nil {
			return fmt.Errorf("failed to save hangout participant: %w", err)
		}
	}
	return nil
}

// ListByUser returns the user's sessions that overlap [from, to), oldest first
func (r *HangoutRepository) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]models.HangoutSession, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT s.id, s.started_at, s.ended_at, s.center_lat, s.center_lon,
		p.user_id, p.duration_seconds
		FROM hangout_sessions s
		JOIN hangout_participants p ON p.session_id = s.id
		WHERE s.id IN (SELECT session_id FROM hangout_participants WHERE user_id = ?)
		AND s.ended_at >= ? AND s.started_at < ?
		ORDER BY s.started_at, s.id, p.user_id`,
		userID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query hangout sessions: %w", err)
	}
	defer rows.Close()

	var (
		out   []models.HangoutSession
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			id, participant    string
			startedAt, endedAt int64
			lat, lon, duration float64
		)
		if err := rows.Scan(&id, &startedAt, &endedAt, &lat, &lon, &participant, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan hangout session: %w", err)
		}
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, models.HangoutSession{
				ID:                            id,
				StartedAt:                     fromMillis(startedAt),
				EndedAt:                       fromMillis(endedAt),
				Center:                        models.Coordinate{Lat: lat, Lon: lon},
				PerParticipantDurationSeconds: make(map[string]float64),
			})
		}
		out[i].ParticipantIDs = append(out[i].ParticipantIDs, participant)
		out[i].PerParticipantDurationSeconds[participant] = duration
	}
	return out, rows.Err()
}
