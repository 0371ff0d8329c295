package services

import (
	"context"
	"time"

	"awn/models"
)

// LocationProvider delivers the device's position on demand
type LocationProvider interface {
	// CurrentLocation returns a fresh fix or ErrLocationUnavailable once
	// timeout elapses without one
	CurrentLocation(ctx context.Context, timeout time.Duration) (models.Coordinate, error)
}

// MotionSensor streams gravity-compensated acceleration samples
type MotionSensor interface {
	// Subscribe returns the sample stream and a func that ends it. The channel
	// is closed after unsubscribe.
	Subscribe(ctx context.Context, sampleRateHz int) (<-chan models.Acceleration, func(), error)
}

// SensorSource resolves the device streams of one patient
type SensorSource interface {
	Location(patientID string) LocationProvider
	Motion(patientID string) MotionSensor
}

// Directory gives read access to patient safe-zone configuration
type Directory interface {
	// GetSafeZone returns nil, nil when the patient has no usable zone
	GetSafeZone(ctx context.Context, patientID string) (*models.SafeZone, error)
}

// AlertStore is the durable record of alerts
type AlertStore interface {
	Create(ctx context.Context, alert *models.AlertEvent) (*models.AlertEvent, error)
	// Get returns ErrAlertNotFound for an unknown id
	Get(ctx context.Context, id string) (*models.AlertEvent, error)
	// Update applies mutate atomically when precondition holds on the stored
	// record. When it does not, the current record is returned with
	// ErrConditionFailed.
	Update(ctx context.Context, id string, mutate func(*models.AlertEvent), precondition func(*models.AlertEvent) bool) (*models.AlertEvent, error)
	// ListPending returns pending-confirmation alerts, for every patient when
	// patientID is empty
	ListPending(ctx context.Context, patientID string) ([]*models.AlertEvent, error)
	// List returns the newest alerts first, up to limit (0 for no limit)
	List(ctx context.Context, patientID string, limit int) ([]*models.AlertEvent, error)
}

// AlertNotifier receives every alert notice for downstream delivery
type AlertNotifier interface {
	Name() string
	Notify(ctx context.Context, notice models.AlertNotice) error
}
