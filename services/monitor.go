package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"awn/config"
	"awn/models"

	"go.uber.org/zap"
)

// Monitor is the registry of per-patient monitoring sessions and the surface
// the API, CLI and notifiers use
type Monitor struct {
	cfg       *config.Config
	sensors   SensorSource
	directory Directory
	lifecycle *AlertLifecycleManager
	gate      *DebounceGate
	statuses  *Broadcaster[models.MonitoringStatus]
	clock     Clock
	logger    *zap.Logger

	// mu guards the maps only and is never held across a session start or stop
	mu       sync.Mutex
	sessions map[string]*MonitoringSession
	slots    map[string]*sync.Mutex // serializes start and stop per patient
	closed   bool
}

func NewMonitor(cfg *config.Config, sensors SensorSource, directory Directory, lifecycle *AlertLifecycleManager, clock Clock, logger *zap.Logger) *Monitor {
	if clock == nil {
		clock = SystemClock
	}
	return &Monitor{
		cfg:       cfg,
		sensors:   sensors,
		directory: directory,
		lifecycle: lifecycle,
		gate:      NewDebounceGate(),
		statuses:  NewBroadcaster[models.MonitoringStatus](),
		clock:     clock,
		logger:    logger,
		sessions:  make(map[string]*MonitoringSession),
		slots:     make(map[string]*sync.Mutex),
	}
}

func (m *Monitor) slot(patientID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[patientID]
	if !ok {
		slot = &sync.Mutex{}
		m.slots[patientID] = slot
	}
	return slot
}

// StartMonitoring starts a session for patientID. It is a no-op returning the
// current status when one is already running, and waits for a stop of the
// same patient that is still in progress.
func (m *Monitor) StartMonitoring(ctx context.Context, patientID string) (models.MonitoringStatus, error) {
	slot := m.slot(patientID)
	slot.Lock()
	defer slot.Unlock()

	if m.isClosed() {
		return models.MonitoringStatus{}, ErrMonitorClosed
	}
	if session := m.session(patientID); session != nil {
		return session.Status(), nil
	}

	session := NewMonitoringSession(m.cfg, patientID, m.sensors, m.directory, m.lifecycle, m.gate, m.statuses, m.clock, m.logger)
	if err := session.Start(ctx); err != nil {
		m.logger.Error("Failed to start monitoring",
			zap.String("patient_id", patientID),
			zap.Error(err))
		return models.MonitoringStatus{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		session.Stop()
		return models.MonitoringStatus{}, ErrMonitorClosed
	}
	m.sessions[patientID] = session
	m.mu.Unlock()

	return session.Status(), nil
}

// StopMonitoring stops the patient's session. The patient reads as idle as
// soon as the stop begins; a new start waits until it has finished.
func (m *Monitor) StopMonitoring(patientID string) error {
	slot := m.slot(patientID)
	slot.Lock()
	defer slot.Unlock()

	m.mu.Lock()
	session, ok := m.sessions[patientID]
	delete(m.sessions, patientID)
	m.mu.Unlock()

	if !ok {
		return ErrNotMonitoring
	}
	session.Stop()

	if pruned := m.gate.Prune(m.clock.Now(), m.cfg.FallCooldown); pruned > 0 {
		m.logger.Debug("Pruned expired cooldown records", zap.Int("count", pruned))
	}
	return nil
}

func (m *Monitor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Status returns the patient's snapshot and whether a session is running
func (m *Monitor) Status(patientID string) (models.MonitoringStatus, bool) {
	if session := m.session(patientID); session != nil {
		return session.Status(), true
	}
	return models.MonitoringStatus{
		PatientID: patientID,
		Mode:      models.HighPower,
		UpdatedAt: m.clock.Now(),
	}, false
}

// ActivePatients lists patients with a running session
func (m *Monitor) ActivePatients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Monitor) SubscribeStatus(buffer int) (<-chan models.MonitoringStatus, func()) {
	return m.statuses.Subscribe(buffer)
}

func (m *Monitor) SubscribeAlerts(buffer int) (<-chan models.AlertNotice, func()) {
	return m.lifecycle.SubscribeAlerts(buffer)
}

func (m *Monitor) Confirm(ctx context.Context, alertID string, outcome models.ConfirmationStatus) (*models.AlertEvent, error) {
	return m.lifecycle.Confirm(ctx, alertID, outcome)
}

func (m *Monitor) MarkRead(ctx context.Context, alertID string) (*models.AlertEvent, error) {
	return m.lifecycle.MarkRead(ctx, alertID)
}

func (m *Monitor) ListAlerts(ctx context.Context, patientID string, pendingOnly bool, limit int) ([]*models.AlertEvent, error) {
	return m.lifecycle.List(ctx, patientID, pendingOnly, limit)
}

// RefreshSafeZone reloads the zone of a running session
func (m *Monitor) RefreshSafeZone(ctx context.Context, patientID string) (*models.SafeZone, error) {
	session := m.session(patientID)
	if session == nil {
		return nil, ErrNotMonitoring
	}
	return session.RefreshSafeZone(ctx)
}

// Shutdown stops every session and the lifecycle timers. Later starts fail
// with ErrMonitorClosed.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	// every patient ever seen, so in-flight starts and stops are waited for
	ids := make([]string, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var (
		wg      sync.WaitGroup
		stopped atomic.Int32
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if m.StopMonitoring(id) == nil {
				stopped.Add(1)
			}
		}(id)
	}
	wg.Wait()

	m.lifecycle.Shutdown()
	m.statuses.Close()
	m.logger.Info("Monitor stopped", zap.Int32("sessions", stopped.Load()))
}

func (m *Monitor) session(patientID string) *MonitoringSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[patientID]
}
