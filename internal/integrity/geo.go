package integrity

import (
	"time"

	"github.com/geraldsadya/circles-backend-go/internal/models"
	"github.com/geraldsadya/circles-backend-go/internal/spatial"
)

func point(s models.PositionSample) spatial.Point {
	return spatial.Point{Lat: s.Coordinate.Lat, Lon: s.Coordinate.Lon}
}

func distance(a, b models.PositionSample) float64 {
	return spatial.Distance(point(a), point(b))
}

func speedKmh(a, b models.PositionSample, elapsed time.Duration) float64 {
	return spatial.SpeedKmh(point(a), point(b), elapsed)
}
