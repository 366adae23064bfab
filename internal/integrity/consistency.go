package integrity

import (
	"context"
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/spatial"
)

// Interval is a claim that the user was within a circle for a span of time.
type Interval struct {
	Ref          string
	Start        time.Time
	End          time.Time
	Center       models.Coordinate
	RadiusMeters float64
}

// HangoutInterval describes a hangout session as a presence claim.
func HangoutInterval(h models.HangoutSession, radiusMeters float64) Interval {
	return Interval{
		Ref:          "hangout:" + h.ID,
		Start:        h.StartedAt,
		End:          h.EndedAt,
		Center:       h.Center,
		RadiusMeters: radiusMeters,
	}
}

// CreditInterval describes a geofence credit as a presence claim.
func CreditInterval(c models.DwellCredit) Interval {
	return Interval{
		Ref:          "geofence:" + c.GeofenceID + "@" + c.End.UTC().Format(time.RFC3339),
		Start:        c.Start,
		End:          c.End,
		Center:       c.Center,
		RadiusMeters: c.RadiusMeters,
	}
}

func (i Interval) overlaps(o Interval) bool {
	return !i.End.Before(o.Start) && !o.End.Before(i.Start)
}

func (i Interval) circle() spatial.Circle {
	return spatial.NewCircle(spatial.Point{Lat: i.Center.Lat, Lon: i.Center.Lon}, i.RadiusMeters)
}

// CheckConsistency logs a medium event for every pair of claims that overlap
// in time but place the user in two regions further apart than the slack.
// Each conflicting pair is reported once.
func (s *Scorer) CheckConsistency(ctx context.Context, userID string, claims []Interval) ([]models.SuspiciousEvent, error) {
	u := s.user(userID)
	u.mu.Lock()
	var out []models.SuspiciousEvent
	for i := 0; i < len(claims); i++ {
		for j := i + 1; j < len(claims); j++ {
			a, b := claims[i], claims[j]
			if !a.overlaps(b) {
				continue
			}
			gap := spatial.Separation(a.circle(), b.circle())
			if gap <= s.cfg.InconsistencySlack {
				continue
			}
			key := a.Ref + "|" + b.Ref
			if b.Ref < a.Ref {
				key = b.Ref + "|" + a.Ref
			}
			if _, seen := u.reported[key]; seen {
				continue
			}
			u.reported[key] = struct{}{}

			at := a.End
			if b.End.Before(at) {
				at = b.End
			}
			ev := s.newEvent(userID, models.KindDataInconsistency, models.SeverityMedium, at,
				"%s and %s overlap %.0f m apart", a.Ref, b.Ref, gap)
			s.apply(u, ev)
			out = append(out, ev)
		}
	}
	u.mu.Unlock()
	return out, s.emit(ctx, out)
}
