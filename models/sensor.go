package models

import (
	"math"
	"time"
)

// Coordinate is a WGS 84 latitude/longitude pair in degrees
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// IsValid reports whether both components are finite and in range
func (c Coordinate) IsValid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) ||
		math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

// Acceleration is a gravity-compensated user acceleration vector in g
type Acceleration struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         float64   `json:"z"`
	Timestamp time.Time `json:"timestamp"`
}

// Magnitude returns the euclidean norm of the vector
func (a Acceleration) Magnitude() float64 {
	return math.Sqrt(a.X*a.X + a.Y*a.Y + a.Z*a.Z)
}

// LocationSample is the payload a watch publishes on <prefix>/<patient>/location
type LocationSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Coordinate strips the sample down to its position
func (s LocationSample) Coordinate() Coordinate {
	return Coordinate{Latitude: s.Latitude, Longitude: s.Longitude}
}

// MotionSample is the payload a watch publishes on <prefix>/<patient>/motion
type MotionSample struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         float64   `json:"z"`
	Timestamp time.Time `json:"timestamp"`
}

// Acceleration converts the wire sample to the detector input
func (s MotionSample) Acceleration() Acceleration {
	return Acceleration{X: s.X, Y: s.Y, Z: s.Z, Timestamp: s.Timestamp}
}

// SensorConfig is published retained on <prefix>/<patient>/config so the watch
// can pick up the requested motion sample rate
type SensorConfig struct {
	MotionSampleRateHz int       `json:"motion_sample_rate_hz"`
	UpdatedAt          time.Time `json:"updated_at"`
}
