package models

import (
	"time"
)

// DeviceHealthStatus represents whether a watch is still reporting
type DeviceHealthStatus string

const (
	DeviceHealthy   DeviceHealthStatus = "healthy"
	DeviceStale     DeviceHealthStatus = "stale"
	DeviceRecovered DeviceHealthStatus = "recovered"
)

// SampleKind identifies which stream a device sample arrived on
type SampleKind string

const (
	LocationSampleKind SampleKind = "location"
	MotionSampleKind   SampleKind = "motion"
)

// DeviceLink tracks the reporting state of one patient's device
type DeviceLink struct {
	PatientID      string             `json:"patient_id"`
	LastLocationAt time.Time          `json:"last_location_at"`
	LastMotionAt   time.Time          `json:"last_motion_at"`
	LastSeen       time.Time          `json:"last_seen"`
	Status         DeviceHealthStatus `json:"status"`
	StaleAt        time.Time          `json:"stale_at"` // When the device went quiet (if applicable)
}
