package spatial

import (
	"time"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// Point represents a 2D point with latitude and longitude in degrees
type Point struct {
	Lat float64
	Lon float64
}

// HaversineDistance calculates the great-circle distance between two points in meters
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// Distance is HaversineDistance for two Points
func Distance(a, b Point) float64 {
	return HaversineDistance(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Midpoint calculates the midpoint between two points
func Midpoint(a, b Point) Point {
	p1 := s2.PointFromLatLng(s2.LatLngFromDegrees(a.Lat, a.Lon))
	p2 := s2.PointFromLatLng(s2.LatLngFromDegrees(b.Lat, b.Lon))

	mid := s2.LatLngFromPoint(s2.Interpolate(0.5, p1, p2))
	return Point{Lat: mid.Lat.Degrees(), Lon: mid.Lng.Degrees()}
}

// SpeedKmh returns the average ground speed implied by moving from a to b over elapsed.
// Zero or negative durations yield 0.
func SpeedKmh(a, b Point, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return Distance(a, b) / elapsed.Seconds() * 3.6
}

// Circle is a spherical cap described by a center and a radius in meters
type Circle struct {
	Center       Point
	RadiusMeters float64
	cap          s2.Cap
}

// NewCircle builds a circle backed by an s2.Cap
func NewCircle(center Point, radiusMeters float64) Circle {
	angle := s1.Angle(radiusMeters / EarthRadiusMeters)
	c := s2.CapFromCenterAngle(s2.PointFromLatLng(s2.LatLngFromDegrees(center.Lat, center.Lon)), angle)
	return Circle{Center: center, RadiusMeters: radiusMeters, cap: c}
}

// Contains reports whether p lies inside or on the boundary of the circle
func (c Circle) Contains(p Point) bool {
	return c.cap.ContainsPoint(s2.PointFromLatLng(s2.LatLngFromDegrees(p.Lat, p.Lon)))
}

// Separation is the gap in meters between the edges of two circles.
// Overlapping circles return a negative value.
func Separation(a, b Circle) float64 {
	return Distance(a.Center, b.Center) - a.RadiusMeters - b.RadiusMeters
}

// EarthRadiusMeters is the mean Earth radius
const EarthRadiusMeters = 6371000.0
