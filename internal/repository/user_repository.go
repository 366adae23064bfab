package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// UserRepository handles users, circles and membership
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// CreateUser inserts a user, keeping the original row if it already exists
func (r *UserRepository) CreateUser(ctx context.Context, u models.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		u.ID, toMillis(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (r *UserRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	var (
		u         models.User
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, created_at FROM users WHERE id = ?`, id).Scan(&u.ID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return u, nil
}

// DeleteUser removes a user. Ledger rows, results, suspicious events and
// memberships cascade; sensor rows and checkpoints keyed only by subject are
// removed explicitly in the same transaction.
func (r *UserRepository) DeleteUser(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cleanup := []string{
		`DELETE FROM motion_events WHERE subject_id = ?`,
		`DELETE FROM proof_results WHERE subject_id = ?`,
		`DELETE FROM focus_sessions WHERE user_id = ?`,
		`DELETE FROM dwell_states WHERE subject_id = ?`,
		`DELETE FROM pair_states WHERE subject_a = ? OR subject_b = ?`,
		`DELETE FROM hangout_participants WHERE user_id = ?`,
		`DELETE FROM weekly_snapshots WHERE user_id = ?`,
	}
	for _, stmt := range cleanup {
		args := make([]any, strings.Count(stmt, "?"))
		for i := range args {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("failed to clean up user rows: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user deletion: %w", err)
	}
	return nil
}

// CreateCircle inserts a circle if it does not exist
func (r *UserRepository) CreateCircle(ctx context.Context, c models.Circle) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO circles (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		c.ID, toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create circle: %w", err)
	}
	return nil
}

// DeleteCircle removes a circle; its challenges, geofences, results and memberships cascade
func (r *UserRepository) DeleteCircle(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM circles WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete circle: %w", err)
	}
	return nil
}

// AddMember adds a user to a circle
func (r *UserRepository) AddMember(ctx context.Context, circleID, userID string, joinedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO circle_members (circle_id, user_id, joined_at) VALUES (?, ?, ?)
		ON CONFLICT(circle_id, user_id) DO NOTHING`,
		circleID, userID, toMillis(joinedAt))
	if err != nil {
		return fmt.Errorf("failed to add circle member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a circle
func (r *UserRepository) RemoveMember(ctx context.Context, circleID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM circle_members WHERE circle_id = ? AND user_id = ?`, circleID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove circle member: %w", err)
	}
	return nil
}

// Members returns the users of a circle ordered by account creation, then ID
func (r *UserRepository) Members(ctx context.Context, circleID string) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT u.id, u.created_at FROM circle_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.circle_id = ?
		ORDER BY u.created_at ASC, u.id ASC`, circleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query circle members: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var (
			u         models.User
			createdAt int64
		)
		if err := rows.Scan(&u.ID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan circle member: %w", err)
		}
		u.CreatedAt = fromMillis(createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

// CirclesOf returns the IDs of every circle the user belongs to
func (r *UserRepository) CirclesOf(ctx context.Context, userID string) ([]string, error) {
	return r.column(ctx,
		`SELECT circle_id FROM circle_members WHERE user_id = ? ORDER BY circle_id`, userID)
}

// PeersOf returns every user sharing at least one circle with userID
func (r *UserRepository) PeersOf(ctx context.Context, userID string) ([]string, error) {
	return r.column(ctx,
		`SELECT DISTINCT other.user_id FROM circle_members mine
		JOIN circle_members other ON other.circle_id = mine.circle_id
		WHERE mine.user_id = ? AND other.user_id <> ?
		ORDER BY other.user_id`, userID, userID)
}

// Memberships returns every (circle, user) pair as a map of circle ID to member IDs
func (r *UserRepository) Memberships(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT circle_id, user_id FROM circle_members ORDER BY circle_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var circleID, userID string
		if err := rows.Scan(&circleID, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out[circleID] = append(out[circleID], userID)
	}
	return out, rows.Err()
}

func (r *UserRepository) column(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
