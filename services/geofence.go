package services

import (
	"time"

	"awn/geo"
	"awn/models"
)

// Transition is the outcome of one geofence evaluation
type Transition int

const (
	TransitionNone Transition = iota
	// TransitionBaseline is the first successful read of a session
	TransitionBaseline
	TransitionExited
	TransitionEntered
)

func (t Transition) String() string {
	switch t {
	case TransitionBaseline:
		return "baseline"
	case TransitionExited:
		return "exited"
	case TransitionEntered:
		return "entered"
	default:
		return "none"
	}
}

// AlertType returns the alert a transition raises, if any
func (t Transition) AlertType() (models.AlertType, bool) {
	switch t {
	case TransitionExited:
		return models.GeofenceExit, true
	case TransitionEntered:
		return models.GeofenceEntry, true
	default:
		return "", false
	}
}

// GeofenceEvaluator classifies location samples against a safe zone. It holds
// only the zone; the inside/outside state belongs to the caller's
// MonitoringState. Not safe for concurrent use.
type GeofenceEvaluator struct {
	zone *models.SafeZone
}

func NewGeofenceEvaluator(zone *models.SafeZone) *GeofenceEvaluator {
	return &GeofenceEvaluator{zone: zone}
}

// Zone returns the configured zone, nil when absent
func (e *GeofenceEvaluator) Zone() *models.SafeZone {
	return e.zone
}

// IsActive reports whether evaluations can produce transitions
func (e *GeofenceEvaluator) IsActive() bool {
	return e.zone != nil && e.zone.IsActive
}

// SetZone replaces the zone and reports whether the covered area changed
func (e *GeofenceEvaluator) SetZone(zone *models.SafeZone) bool {
	changed := !e.zone.SameGeometry(zone) || e.IsActive() != (zone != nil && zone.IsActive)
	e.zone = zone
	return changed
}

// Evaluate feeds one sample through the state machine. A nil sample or an
// inactive zone leaves state untouched; a gap in fixes is never an exit.
func (e *GeofenceEvaluator) Evaluate(state *models.MonitoringState, sample *models.Coordinate, now time.Time) (Transition, error) {
	if !e.IsActive() || sample == nil {
		return TransitionNone, nil
	}

	distance, err := geo.DistanceMeters(*sample, e.zone.Center)
	if err != nil {
		return TransitionNone, err
	}
	nowInside := distance <= e.zone.RadiusMeters

	loc := *sample
	state.LastLocation = &loc
	state.LastCheckedAt = now

	if !state.HasBaseline {
		state.HasBaseline = true
		state.IsInsideSafeZone = nowInside
		return TransitionBaseline, nil
	}

	switch {
	case state.IsInsideSafeZone && !nowInside:
		state.IsInsideSafeZone = false
		return TransitionExited, nil
	case !state.IsInsideSafeZone && nowInside:
		state.IsInsideSafeZone = true
		return TransitionEntered, nil
	default:
		return TransitionNone, nil
	}
}

// DistanceToCenter returns how far sample is from the zone center
func (e *GeofenceEvaluator) DistanceToCenter(sample models.Coordinate) (float64, error) {
	if e.zone == nil {
		return 0, nil
	}
	return geo.DistanceMeters(sample, e.zone.Center)
}
