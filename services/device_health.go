package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"awn/config"
	"awn/models"

	"go.uber.org/zap"
)

// DeviceAlerter tells caregivers when a watch stops or resumes reporting
type DeviceAlerter interface {
	SendDeviceStaleAlert(patientID string, lastSeen time.Time, since time.Duration) error
	SendDeviceRecoveredAlert(patientID string, downtime time.Duration) error
}

// DeviceHealthService watches the sample flow of every watch and raises a
// caregiver notice when one goes quiet past the timeout
type DeviceHealthService struct {
	config  *config.Config
	alerter DeviceAlerter
	clock   Clock
	logger  *zap.Logger
	devices map[string]*models.DeviceLink
	mu      sync.RWMutex
}

func NewDeviceHealthService(cfg *config.Config, alerter DeviceAlerter, clock Clock, logger *zap.Logger) *DeviceHealthService {
	return &DeviceHealthService{
		config:  cfg,
		alerter: alerter,
		clock:   clock,
		logger:  logger,
		devices: make(map[string]*models.DeviceLink),
	}
}

// Observe records one accepted sample. It has the SampleHook signature.
func (h *DeviceHealthService) Observe(patientID string, kind models.SampleKind, at time.Time) {
	now := h.clock.Now()

	h.mu.Lock()
	device, exists := h.devices[patientID]
	if !exists {
		device = &models.DeviceLink{
			PatientID: patientID,
			Status:    models.DeviceHealthy,
		}
		h.devices[patientID] = device
		h.logger.Info("New device registered for health monitoring",
			zap.String("patient_id", patientID))
	}

	switch kind {
	case models.LocationSampleKind:
		device.LastLocationAt = at
	case models.MotionSampleKind:
		device.LastMotionAt = at
	}
	device.LastSeen = now

	wasStale := device.Status == models.DeviceStale
	var downtime time.Duration
	if wasStale {
		downtime = now.Sub(device.StaleAt)
		device.Status = models.DeviceRecovered
		device.StaleAt = time.Time{}
	}
	h.mu.Unlock()

	if !wasStale {
		return
	}

	h.logger.Info("Device resumed reporting",
		zap.String("patient_id", patientID),
		zap.Duration("down_duration", downtime))
	if h.alerter == nil {
		return
	}
	if err := h.alerter.SendDeviceRecoveredAlert(patientID, downtime); err != nil {
		h.logger.Error("Failed to send recovery alert",
			zap.String("patient_id", patientID),
			zap.Error(err))
	}
}

// Run checks for quiet devices every DeviceHealthCheckEvery until ctx ends
func (h *DeviceHealthService) Run(ctx context.Context) {
	ticker := time.NewTicker(h.config.DeviceHealthCheckEvery)
	defer ticker.Stop()

	h.logger.Info("Device health checker started",
		zap.Duration("timeout", h.config.DeviceHealthTimeout),
		zap.Duration("interval", h.config.DeviceHealthCheckEvery))

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Device health checker stopped")
			return
		case <-ticker.C:
			h.checkStale()
		}
	}
}

type staleDevice struct {
	patientID string
	lastSeen  time.Time
	since     time.Duration
}

// checkStale marks devices that have been quiet past the timeout
func (h *DeviceHealthService) checkStale() int {
	now := h.clock.Now()

	h.mu.Lock()
	var stale []staleDevice
	for patientID, device := range h.devices {
		if device.Status == models.DeviceStale {
			continue
		}
		quiet := now.Sub(device.LastSeen)
		if quiet <= h.config.DeviceHealthTimeout {
			continue
		}
		device.Status = models.DeviceStale
		device.StaleAt = now
		stale = append(stale, staleDevice{patientID: patientID, lastSeen: device.LastSeen, since: quiet})
	}
	h.mu.Unlock()

	for _, d := range stale {
		h.logger.Warn("Device stopped reporting",
			zap.String("patient_id", d.patientID),
			zap.Time("last_seen", d.lastSeen),
			zap.Duration("time_since_last_seen", d.since))

		if h.alerter == nil {
			continue
		}
		if err := h.alerter.SendDeviceStaleAlert(d.patientID, d.lastSeen, d.since); err != nil {
			h.logger.Error("Failed to send stale device alert",
				zap.String("patient_id", d.patientID),
				zap.Error(err))
		}
	}
	return len(stale)
}

// Device returns a copy of one device's link state
func (h *DeviceHealthService) Device(patientID string) (models.DeviceLink, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	device, exists := h.devices[patientID]
	if !exists {
		return models.DeviceLink{}, false
	}
	return *device, true
}

// Devices lists every known device ordered by patient id
func (h *DeviceHealthService) Devices() []models.DeviceLink {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.DeviceLink, 0, len(h.devices))
	for _, device := range h.devices {
		out = append(out, *device)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out
}
