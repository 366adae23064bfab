package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// LedgerRepository is the insert-only store of points entries
type LedgerRepository struct {
	q querier
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{q: db}
}

// WithTx returns a repository bound to tx
func (r *LedgerRepository) WithTx(tx *sql.Tx) *LedgerRepository {
	return &LedgerRepository{q: tx}
}

// Append inserts an entry. An entry whose idempotency key already exists is
// ignored; the return value reports whether a row was written.
func (r *LedgerRepository) Append(ctx context.Context, e models.LedgerEntry) (bool, error) {
	var key any
	if e.IdempotencyKey != "" {
		key = e.IdempotencyKey
	}
	out, err := r.q.ExecContext(ctx, `INSERT INTO ledger_entries (
		id, user_id, challenge_id, points, reason, idem_key, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(idem_key) DO NOTHING`,
		e.ID, e.UserID, e.ChallengeID, e.Points, string(e.Reason), key, toMillis(e.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return n == 1, nil
}

// ListByUser returns every entry of a user in insertion order
func (r *LedgerRepository) ListByUser(ctx context.Context, userID string) ([]models.LedgerEntry, error) {
	return r.list(ctx, ` WHERE user_id = ? ORDER BY seq`, userID)
}

// ListBetween returns the entries of the given users created in [from, to), in insertion order
func (r *LedgerRepository) ListBetween(ctx context.Context, userIDs []string, from, to time.Time) ([]models.LedgerEntry, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	where := ` WHERE created_at >= ? AND created_at < ? AND user_id IN (?` + repeatPlaceholder(len(userIDs)-1) + `) ORDER BY seq`
	args := []any{toMillis(from), toMillis(to)}
	for _, id := range userIDs {
		args = append(args, id)
	}
	return r.list(ctx, where, args...)
}

// Totals folds every entry into a per-user sum
func (r *LedgerRepository) Totals(ctx context.Context) (map[string]int64, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT user_id, SUM(points) FROM ledger_entries GROUP BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			userID string
			total  int64
		)
		if err := rows.Scan(&userID, &total); err != nil {
			return nil, fmt.Errorf("failed to scan ledger total: %w", err)
		}
		out[userID] = total
	}
	return out, rows.Err()
}

// HasKey reports whether an entry with the idempotency key exists
func (r *LedgerRepository) HasKey(ctx context.Context, key string) (bool, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE idem_key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return n > 0, nil
}

func (r *LedgerRepository) list(ctx context.Context, where string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, user_id, challenge_id, points, reason,
		COALESCE(idem_key, ''), created_at FROM ledger_entries`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var (
			e         models.LedgerEntry
			reason    string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ChallengeID, &e.Points, &reason, &e.IdempotencyKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Reason = models.LedgerReason(reason)
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		out = append(out, ", ?"...)
	}
	return string(out)
}
