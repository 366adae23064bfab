package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
)

// badgeRanks is how many top ranks earn a badge.
const badgeRanks = 3

// Rank orders members by points descending, then account creation, then ID,
// and numbers them 1..N without gaps. Members with no entries rank with zero.
func Rank(members []models.User, totals map[string]int64) []models.SnapshotEntry {
	sorted := make([]models.User, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		pi, pj := totals[sorted[i].ID], totals[sorted[j].ID]
		if pi != pj {
			return pi > pj
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	out := make([]models.SnapshotEntry, len(sorted))
	for i, u := range sorted {
		points := totals[u.ID]
		out[i] = models.SnapshotEntry{
			Rank:   i + 1,
			UserID: u.ID,
			Points: points,
			Badge:  i < badgeRanks && points > 0,
		}
	}
	return out
}

// WeeklySnapshot computes the ranking of a circle for the week containing at.
// It reads only the ledger and membership, so recomputing it over the same
// ledger yields the same result.
func (l *Ledger) WeeklySnapshot(ctx context.Context, circleID string, at time.Time) (models.WeeklySnapshot, error) {
	start := models.WeekStart(at, l.loc)
	end := start.AddDate(0, 0, 7)

	members, err := l.users.Members(ctx, circleID)
	if err != nil {
		return models.WeeklySnapshot{}, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	entries, err := l.entries.ListBetween(ctx, ids, start, end)
	if err != nil {
		return models.WeeklySnapshot{}, err
	}

	return models.WeeklySnapshot{
		CircleID:  circleID,
		WeekStart: start,
		WeekEnd:   end,
		Entries:   Rank(members, Fold(entries)),
	}, nil
}

// Snapshot returns the stored snapshot of a completed week, computing and
// storing it on first request. The running week is computed but not stored.
func (l *Ledger) Snapshot(ctx context.Context, circleID string, at, now time.Time) (models.WeeklySnapshot, error) {
	start := models.WeekStart(at, l.loc)
	completed := !start.AddDate(0, 0, 7).After(now)
	if completed {
		stored, ok, err := l.snapshots.GetSnapshot(ctx, circleID, start.UTC())
		if err != nil {
			return models.WeeklySnapshot{}, err
		}
		if ok {
			stored.WeekStart = start
			stored.WeekEnd = start.AddDate(0, 0, 7)
			return stored, nil
		}
	}

	snap, err := l.WeeklySnapshot(ctx, circleID, at)
	if err != nil {
		return models.WeeklySnapshot{}, err
	}
	if completed && len(snap.Entries) > 0 {
		stored := snap
		stored.WeekStart = snap.WeekStart.UTC()
		if err := l.snapshots.SaveSnapshot(ctx, stored); err != nil {
			return models.WeeklySnapshot{}, fmt.Errorf("failed to persist weekly snapshot: %w", err)
		}
	}
	return snap, nil
}

// PersistPreviousWeek stores the snapshot of the week before now for a circle.
func (l *Ledger) PersistPreviousWeek(ctx context.Context, circleID string, now time.Time) error {
	previous := models.WeekStart(now, l.loc).AddDate(0, 0, -7)
	_, err := l.Snapshot(ctx, circleID, previous, now)
	return err
}
