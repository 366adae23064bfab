package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidSample marks an ingest record that failed boundary validation.
var ErrInvalidSample = errors.New("invalid sample")

// Coordinate is a WGS84 position in degrees.
type Coordinate struct {
	Lat float64 `json:"lat" db:"lat"`
	Lon float64 `json:"lon" db:"lon"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// PositionSample is a single location fix for a subject.
type PositionSample struct {
	SubjectID      string     `json:"subjectId"`
	Coordinate     Coordinate `json:"coordinate"`
	AccuracyMeters float64    `json:"accuracyMeters"`
	CapturedAt     time.Time  `json:"capturedAt"`
}

// Validate rejects samples that cannot be evaluated.
func (s PositionSample) Validate() error {
	switch {
	case s.SubjectID == "":
		return fmt.Errorf("%w: missing subject", ErrInvalidSample)
	case !s.Coordinate.Valid():
		return fmt.Errorf("%w: coordinate out of range", ErrInvalidSample)
	case s.AccuracyMeters < 0 || math.IsNaN(s.AccuracyMeters):
		return fmt.Errorf("%w: negative accuracy", ErrInvalidSample)
	case s.CapturedAt.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSample)
	}
	return nil
}
