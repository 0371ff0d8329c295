package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"awn/config"
	"awn/models"

	"go.uber.org/zap"
)

// MonitoringSession runs geofence ticks and fall detection for one patient
// between Start and Stop
type MonitoringSession struct {
	patientID string
	cfg       *config.Config
	location  LocationProvider
	motion    MotionSensor
	directory Directory
	lifecycle *AlertLifecycleManager
	fall      *FallDetector
	statuses  *Broadcaster[models.MonitoringStatus]
	clock     Clock
	logger    *zap.Logger

	// tickMu serializes ticks and zone swaps
	tickMu   sync.Mutex
	geofence *GeofenceEvaluator

	stateMu    sync.RWMutex
	state      models.MonitoringState
	zoneActive bool
	active     bool

	runMu       sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	loops       sync.WaitGroup
}

func NewMonitoringSession(
	cfg *config.Config,
	patientID string,
	sensors SensorSource,
	directory Directory,
	lifecycle *AlertLifecycleManager,
	gate *DebounceGate,
	statuses *Broadcaster[models.MonitoringStatus],
	clock Clock,
	logger *zap.Logger,
) *MonitoringSession {
	if clock == nil {
		clock = SystemClock
	}
	location := sensors.Location(patientID)
	return &MonitoringSession{
		patientID: patientID,
		cfg:       cfg,
		location:  location,
		motion:    sensors.Motion(patientID),
		directory: directory,
		lifecycle: lifecycle,
		fall:      NewFallDetector(cfg, patientID, gate, location, lifecycle, clock, logger),
		statuses:  statuses,
		clock:     clock,
		logger:    logger.With(zap.String("patient_id", patientID)),
		geofence:  NewGeofenceEvaluator(nil),
		state:     models.MonitoringState{Mode: models.HighPower},
	}
}

// PatientID returns the patient this session watches
func (s *MonitoringSession) PatientID() string {
	return s.patientID
}

// Start subscribes to motion, loads the safe zone, recovers pending alerts
// and launches the tick and motion loops. A motion subscription failure is
// reported as ErrSensorUnavailable.
func (s *MonitoringSession) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return nil
	}

	// the session outlives the request that started it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	samples, unsubscribe, err := s.motion.Subscribe(runCtx, s.cfg.MotionSampleRateHz)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrSensorUnavailable, err)
	}

	s.loadSafeZone(ctx)

	if _, err := s.lifecycle.Recover(ctx, s.patientID); err != nil {
		s.logger.Warn("Pending alert recovery failed, next sweep will retry", zap.Error(err))
	}

	s.stateMu.Lock()
	s.state = models.MonitoringState{Mode: models.HighPower}
	s.active = true
	s.stateMu.Unlock()

	s.cancel = cancel
	s.unsubscribe = unsubscribe

	s.logger.Info("Monitoring session started",
		zap.Bool("has_safe_zone", s.Status().HasSafeZone),
		zap.Duration("geofence_interval", s.cfg.GeofenceInterval),
		zap.Int("motion_sample_rate_hz", s.cfg.MotionSampleRateHz))
	s.publishStatus()

	s.loops.Add(2)
	go s.runTickLoop(runCtx)
	go s.runMotionLoop(runCtx, samples)
	return nil
}

// Stop ends the loops, waits for in-flight fall alerts, cancels this
// patient's auto-confirmation timers and publishes the inactive status
func (s *MonitoringSession) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel == nil {
		return
	}

	s.cancel()
	s.unsubscribe()
	s.loops.Wait()
	s.fall.Wait()
	s.lifecycle.CancelPatient(s.patientID)

	s.cancel = nil
	s.unsubscribe = nil

	s.stateMu.Lock()
	s.active = false
	s.stateMu.Unlock()

	s.logger.Info("Monitoring session stopped")
	s.publishStatus()
}

// IsActive reports whether the session is running
func (s *MonitoringSession) IsActive() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.active
}

// Status returns the current observable snapshot
func (s *MonitoringSession) Status() models.MonitoringStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	status := models.MonitoringStatus{
		PatientID:          s.patientID,
		IsMonitoringActive: s.active,
		HasSafeZone:        s.zoneActive,
		HasBaseline:        s.state.HasBaseline,
		IsInsideSafeZone:   s.state.IsInsideSafeZone,
		Mode:               s.state.Mode,
		UpdatedAt:          s.clock.Now(),
	}
	if s.state.LastLocation != nil {
		loc := *s.state.LastLocation
		status.LastLocation = &loc
	}
	if !s.state.LastCheckedAt.IsZero() {
		checked := s.state.LastCheckedAt
		status.LastCheckedAt = &checked
	}
	return status
}

// RefreshSafeZone re-reads the zone from the directory. A zone with a new
// center or radius resets the baseline so the next tick cannot fire on the
// swap itself. A transient directory failure keeps the current zone.
func (s *MonitoringSession) RefreshSafeZone(ctx context.Context) (*models.SafeZone, error) {
	zone, err := s.directory.GetSafeZone(ctx, s.patientID)
	if err != nil && !errors.Is(err, models.ErrInvalidSafeZone) {
		return nil, fmt.Errorf("refresh safe zone: %w", err)
	}
	if err != nil {
		s.logger.Warn("Stored safe zone is invalid, geofence disabled", zap.Error(err))
		zone = nil
	}

	s.applyZone(zone)
	s.publishStatus()
	return zone, nil
}

// Tick runs one geofence evaluation. Ticks never overlap.
func (s *MonitoringSession) Tick(ctx context.Context) Transition {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	defer s.publishStatus()

	if !s.geofence.IsActive() {
		return TransitionNone
	}

	coord, err := s.location.CurrentLocation(ctx, s.cfg.GeofenceLocationTimeout)
	if err != nil {
		s.logger.Debug("No location for geofence check, keeping last state", zap.Error(err))
		return TransitionNone
	}

	s.stateMu.RLock()
	state := s.state
	s.stateMu.RUnlock()

	now := s.clock.Now()
	transition, err := s.geofence.Evaluate(&state, &coord, now)
	if err != nil {
		s.logger.Warn("Rejected location sample",
			zap.Float64("latitude", coord.Latitude),
			zap.Float64("longitude", coord.Longitude),
			zap.Error(err))
		return TransitionNone
	}

	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()

	switch transition {
	case TransitionBaseline:
		s.logger.Info("Geofence baseline established", zap.Bool("inside_safe_zone", state.IsInsideSafeZone))
	case TransitionExited, TransitionEntered:
		distance, _ := s.geofence.DistanceToCenter(coord)
		s.logger.Info("Geofence transition",
			zap.String("transition", transition.String()),
			zap.Float64("distance_m", distance),
			zap.Float64("radius_m", s.geofence.Zone().RadiusMeters))
		alertType, _ := transition.AlertType()
		s.raise(ctx, alertType, now, &coord)
	}
	return transition
}

func (s *MonitoringSession) raise(ctx context.Context, alertType models.AlertType, at time.Time, coord *models.Coordinate) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreWriteTimeout)
	defer cancel()

	alert := models.NewAlertEvent(s.patientID, alertType, at, coord)
	if _, err := s.lifecycle.Raise(wctx, alert); err != nil {
		s.logger.Error("Dropping geofence alert",
			zap.String("alert_type", string(alertType)),
			zap.Error(err))
	}
}

func (s *MonitoringSession) runTickLoop(ctx context.Context) {
	defer s.loops.Done()

	ticker := time.NewTicker(s.cfg.GeofenceInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *MonitoringSession) runMotionLoop(ctx context.Context, samples <-chan models.Acceleration) {
	defer s.loops.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-samples:
			if !ok {
				s.logger.Warn("Motion stream closed")
				return
			}
			s.fall.OnMotionSample(ctx, sample)
		}
	}
}

// loadSafeZone treats any directory failure at start as an absent zone
func (s *MonitoringSession) loadSafeZone(ctx context.Context) {
	zone, err := s.directory.GetSafeZone(ctx, s.patientID)
	if err != nil {
		s.logger.Warn("Safe zone unavailable, geofence disabled", zap.Error(err))
		zone = nil
	}
	s.applyZone(zone)
}

func (s *MonitoringSession) applyZone(zone *models.SafeZone) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	changed := s.geofence.SetZone(zone)

	s.stateMu.Lock()
	s.zoneActive = s.geofence.IsActive()
	if changed {
		s.state.HasBaseline = false
		s.state.IsInsideSafeZone = false
	}
	s.stateMu.Unlock()

	if !changed {
		return
	}

	if zone != nil {
		s.logger.Info("Safe zone applied",
			zap.String("zone", zone.Name),
			zap.Float64("radius_m", zone.RadiusMeters),
			zap.Bool("active", zone.IsActive))
	}
}

func (s *MonitoringSession) publishStatus() {
	if s.statuses == nil {
		return
	}
	s.statuses.Publish(s.Status())
}
