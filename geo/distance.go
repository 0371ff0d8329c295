package geo

import (
	"errors"
	"fmt"
	"math"

	"awn/models"
)

// EarthRadiusMeters is the mean earth radius used by the haversine formula
const EarthRadiusMeters = 6371000.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// DistanceMeters returns the great-circle distance between two points
func DistanceMeters(a, b models.Coordinate) (float64, error) {
	if !a.IsValid() {
		return 0, fmt.Errorf("%w: %.6f,%.6f", ErrInvalidCoordinate, a.Latitude, a.Longitude)
	}
	if !b.IsValid() {
		return 0, fmt.Errorf("%w: %.6f,%.6f", ErrInvalidCoordinate, b.Latitude, b.Longitude)
	}

	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// clamp rounding so Asin stays defined for antipodal points
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h)), nil
}

// OffsetNorth returns the point d meters due north of c
func OffsetNorth(c models.Coordinate, meters float64) models.Coordinate {
	return models.Coordinate{
		Latitude:  c.Latitude + meters/EarthRadiusMeters*180/math.Pi,
		Longitude: c.Longitude,
	}
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
