package models

import "time"

// MonitoringMode describes how aggressively the device is tracked
type MonitoringMode string

// HighPower is the only mode a watch session runs in
const HighPower MonitoringMode = "HIGH_POWER"

// DisplayName returns the label shown to caregivers
func (m MonitoringMode) DisplayName() string {
	if m == HighPower {
		return "Active Tracking"
	}
	return string(m)
}

// MonitoringState is the in-memory geofence state of one session
type MonitoringState struct {
	Mode             MonitoringMode
	HasBaseline      bool
	IsInsideSafeZone bool
	LastLocation     *Coordinate
	LastCheckedAt    time.Time
}

// MonitoringStatus is the observable snapshot of a session
type MonitoringStatus struct {
	PatientID          string         `json:"patient_id"`
	IsMonitoringActive bool           `json:"is_monitoring_active"`
	HasSafeZone        bool           `json:"has_safe_zone"`
	HasBaseline        bool           `json:"has_baseline"`
	IsInsideSafeZone   bool           `json:"is_inside_safe_zone"`
	LastLocation       *Coordinate    `json:"last_location,omitempty"`
	Mode               MonitoringMode `json:"mode"`
	LastCheckedAt      *time.Time     `json:"last_checked_at,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
}
