package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertType represents the kind of safety event behind an alert
type AlertType string

const (
	FallDetected  AlertType = "FALL_DETECTED"
	GeofenceExit  AlertType = "GEOFENCE_EXIT"
	GeofenceEntry AlertType = "GEOFENCE_ENTRY"
)

// ConfirmationStatus is the caregiver disposition of an alert
type ConfirmationStatus string

const (
	NotApplicable ConfirmationStatus = "NOT_APPLICABLE"
	Pending       ConfirmationStatus = "PENDING"
	Accompanied   ConfirmationStatus = "ACCOMPANIED"
	Wandering     ConfirmationStatus = "WANDERING"
)

var ErrInvalidAlert = errors.New("invalid alert record")

// ParseAlertType maps a stored value back to an AlertType
func ParseAlertType(s string) (AlertType, bool) {
	switch AlertType(s) {
	case FallDetected, GeofenceExit, GeofenceEntry:
		return AlertType(s), true
	}
	return "", false
}

// ParseConfirmationStatus maps a stored value back to a ConfirmationStatus
func ParseConfirmationStatus(s string) (ConfirmationStatus, bool) {
	switch ConfirmationStatus(s) {
	case NotApplicable, Pending, Accompanied, Wandering:
		return ConfirmationStatus(s), true
	}
	return "", false
}

// IsTerminal reports whether the status can no longer change
func (s ConfirmationStatus) IsTerminal() bool {
	return s == Accompanied || s == Wandering
}

// DisplayName returns the caregiver-facing label for the alert type
func (t AlertType) DisplayName() string {
	switch t {
	case GeofenceExit:
		return "Left Safe Zone"
	case GeofenceEntry:
		return "Returned to Safe Zone"
	case FallDetected:
		return "Fall Detected"
	default:
		return "Safety Alert"
	}
}

// Emoji returns the emoji used in notifications for the alert type
func (t AlertType) Emoji() string {
	switch t {
	case GeofenceExit:
		return "🚶"
	case GeofenceEntry:
		return "✅"
	case FallDetected:
		return "🚨"
	default:
		return "⚠️"
	}
}

// DisplayName returns the caregiver-facing label for the status
func (s ConfirmationStatus) DisplayName() string {
	switch s {
	case Pending:
		return "Awaiting Confirmation"
	case Accompanied:
		return "With Caregiver"
	case Wandering:
		return "Wandering Incident"
	default:
		return "—"
	}
}

// AlertEvent is a single safety alert raised for a patient
type AlertEvent struct {
	ID                   string             `json:"id"`
	PatientID            string             `json:"patientId"`
	Type                 AlertType          `json:"alertType"`
	Timestamp            time.Time          `json:"timestamp"`
	Latitude             *float64           `json:"latitude,omitempty"`
	Longitude            *float64           `json:"longitude,omitempty"`
	IsRead               bool               `json:"isRead"`
	RequiresConfirmation bool               `json:"requiresConfirmation"`
	ConfirmationStatus   ConfirmationStatus `json:"confirmationStatus"`
	ConfirmedAt          *time.Time         `json:"confirmedAt,omitempty"`
	AutoConfirmedAt      *time.Time         `json:"autoConfirmedAt,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
}

// NewAlertEvent builds an alert with the confirmation fields derived from the
// type: only geofence exits require a caregiver disposition.
func NewAlertEvent(patientID string, alertType AlertType, at time.Time, location *Coordinate) *AlertEvent {
	alert := &AlertEvent{
		ID:                 uuid.NewString(),
		PatientID:          patientID,
		Type:               alertType,
		Timestamp:          at,
		ConfirmationStatus: NotApplicable,
		CreatedAt:          at,
	}

	if location != nil {
		lat, lon := location.Latitude, location.Longitude
		alert.Latitude = &lat
		alert.Longitude = &lon
	}

	if alertType == GeofenceExit {
		alert.RequiresConfirmation = true
		alert.ConfirmationStatus = Pending
	}

	return alert
}

// Validate checks the record invariants. Stores call it on every decode so a
// malformed record is rejected instead of surfacing with defaulted fields.
func (a *AlertEvent) Validate() error {
	if a.ID == "" || a.PatientID == "" {
		return fmt.Errorf("%w: missing id or patient id", ErrInvalidAlert)
	}
	if _, ok := ParseAlertType(string(a.Type)); !ok {
		return fmt.Errorf("%w: unknown alert type %q", ErrInvalidAlert, a.Type)
	}
	if _, ok := ParseConfirmationStatus(string(a.ConfirmationStatus)); !ok {
		return fmt.Errorf("%w: unknown confirmation status %q", ErrInvalidAlert, a.ConfirmationStatus)
	}
	if a.Timestamp.IsZero() || a.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidAlert)
	}
	if a.RequiresConfirmation != (a.Type == GeofenceExit) {
		return fmt.Errorf("%w: requiresConfirmation does not match type %s", ErrInvalidAlert, a.Type)
	}
	if (a.ConfirmationStatus == NotApplicable) == a.RequiresConfirmation {
		return fmt.Errorf("%w: status %s inconsistent with requiresConfirmation=%t", ErrInvalidAlert, a.ConfirmationStatus, a.RequiresConfirmation)
	}
	if (a.Latitude == nil) != (a.Longitude == nil) {
		return fmt.Errorf("%w: partial location", ErrInvalidAlert)
	}
	return nil
}

// IsPendingConfirmation reports whether a caregiver decision is still open
func (a *AlertEvent) IsPendingConfirmation() bool {
	return a.RequiresConfirmation && a.ConfirmationStatus == Pending
}

// HasLocation reports whether the alert carries a position
func (a *AlertEvent) HasLocation() bool {
	return a.Latitude != nil && a.Longitude != nil
}

// Coordinate returns the alert position, or nil without one
func (a *AlertEvent) Coordinate() *Coordinate {
	if !a.HasLocation() {
		return nil
	}
	return &Coordinate{Latitude: *a.Latitude, Longitude: *a.Longitude}
}

// Clone returns a deep copy so callers can mutate without aliasing a store
func (a *AlertEvent) Clone() *AlertEvent {
	c := *a
	if a.Latitude != nil {
		v := *a.Latitude
		c.Latitude = &v
	}
	if a.Longitude != nil {
		v := *a.Longitude
		c.Longitude = &v
	}
	if a.ConfirmedAt != nil {
		v := *a.ConfirmedAt
		c.ConfirmedAt = &v
	}
	if a.AutoConfirmedAt != nil {
		v := *a.AutoConfirmedAt
		c.AutoConfirmedAt = &v
	}
	return &c
}

// DisplayMessage returns the caregiver-facing sentence for the alert
func (a *AlertEvent) DisplayMessage() string {
	switch a.Type {
	case GeofenceExit:
		switch a.ConfirmationStatus {
		case Accompanied:
			return "Patient left safe zone with caregiver"
		case Wandering:
			return "Patient wandered outside safe zone"
		default:
			return "Patient left safe zone - confirmation needed"
		}
	case GeofenceEntry:
		return "Patient returned to safe zone"
	case FallDetected:
		return "Fall detected - immediate attention needed"
	default:
		return "Safety alert"
	}
}

// NoticeAction describes what happened to an alert on the outgoing stream
type NoticeAction string

const (
	AlertRaised   NoticeAction = "raised"
	AlertResolved NoticeAction = "resolved"
)

// AlertNotice is one entry on the alert event stream
type AlertNotice struct {
	Action NoticeAction `json:"action"`
	Alert  *AlertEvent  `json:"alert"`
}
