package models

import (
	"errors"
	"fmt"
)

const (
	MinSafeZoneRadius     = 50.0
	MaxSafeZoneRadius     = 2000.0
	DefaultSafeZoneRadius = 500.0
	defaultSafeZoneName   = "Safe Zone"
)

var ErrInvalidSafeZone = errors.New("invalid safe zone")

// SafeZone is the circular area a patient is expected to stay within
type SafeZone struct {
	Name         string     `json:"name"`
	Center       Coordinate `json:"center"`
	RadiusMeters float64    `json:"radius_meters"`
	IsActive     bool       `json:"is_active"`
}

// NewSafeZone builds a zone from the optional fields of a patient record.
// It returns nil, nil when any of center or radius is missing so callers treat
// the zone as absent, and an ErrInvalidSafeZone when the values are unusable.
func NewSafeZone(name *string, centerLat, centerLon, radius *float64, active bool) (*SafeZone, error) {
	if centerLat == nil || centerLon == nil || radius == nil {
		return nil, nil
	}

	center := Coordinate{Latitude: *centerLat, Longitude: *centerLon}
	if !center.IsValid() {
		return nil, fmt.Errorf("%w: center %.6f,%.6f out of range", ErrInvalidSafeZone, *centerLat, *centerLon)
	}
	if *radius < MinSafeZoneRadius || *radius > MaxSafeZoneRadius {
		return nil, fmt.Errorf("%w: radius %.1fm outside [%.0f, %.0f]", ErrInvalidSafeZone, *radius, MinSafeZoneRadius, MaxSafeZoneRadius)
	}

	zoneName := defaultSafeZoneName
	if name != nil && *name != "" {
		zoneName = *name
	}

	return &SafeZone{
		Name:         zoneName,
		Center:       center,
		RadiusMeters: *radius,
		IsActive:     active,
	}, nil
}

// SameGeometry reports whether two zones cover the same circle
func (z *SafeZone) SameGeometry(other *SafeZone) bool {
	if z == nil || other == nil {
		return z == other
	}
	return z.Center == other.Center && z.RadiusMeters == other.RadiusMeters
}
