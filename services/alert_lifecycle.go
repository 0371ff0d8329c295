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

// AlertLifecycleManager creates alerts and runs the confirmation race between
// a caregiver and the auto-confirmation timeout
type AlertLifecycleManager struct {
	store        AlertStore
	clock        Clock
	delay        time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
	notices      *Broadcaster[models.AlertNotice]

	mu     sync.Mutex
	timers map[string]*confirmationTimer // alert id -> timer
	closed bool
	wg     sync.WaitGroup
}

type confirmationTimer struct {
	patientID string
	deadline  time.Time
	timer     Timer
}

// RecoveryResult counts what a pending-alert sweep did
type RecoveryResult struct {
	Resolved    int
	Rescheduled int
	Failed      int
}

func isPending(a *models.AlertEvent) bool { return a.IsPendingConfirmation() }

// NewAlertLifecycleManager creates a lifecycle manager writing through store
func NewAlertLifecycleManager(cfg *config.Config, store AlertStore, clock Clock, logger *zap.Logger) *AlertLifecycleManager {
	if clock == nil {
		clock = SystemClock
	}
	return &AlertLifecycleManager{
		store:        store,
		clock:        clock,
		delay:        cfg.AutoConfirmDelay,
		writeTimeout: cfg.StoreWriteTimeout,
		logger:       logger,
		notices:      NewBroadcaster[models.AlertNotice](),
		timers:       make(map[string]*confirmationTimer),
	}
}

// SubscribeAlerts streams every raised and resolved alert
func (m *AlertLifecycleManager) SubscribeAlerts(buffer int) (<-chan models.AlertNotice, func()) {
	return m.notices.Subscribe(buffer)
}

// Raise persists a new alert. Store failures are returned wrapped in
// ErrStoreWriteFailed and are not retried.
func (m *AlertLifecycleManager) Raise(ctx context.Context, alert *models.AlertEvent) (*models.AlertEvent, error) {
	if err := alert.Validate(); err != nil {
		return nil, err
	}

	created, err := m.store.Create(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
	}

	m.logger.Info("Alert raised",
		zap.String("alert_id", created.ID),
		zap.String("patient_id", created.PatientID),
		zap.String("alert_type", string(created.Type)),
		zap.Bool("requires_confirmation", created.RequiresConfirmation))

	m.publish(models.AlertRaised, created)

	if created.IsPendingConfirmation() {
		m.schedule(created)
	}
	return created, nil
}

// Confirm records a caregiver decision on a pending alert. When the alert was
// already resolved the current record is returned with ErrAlreadyResolved.
func (m *AlertLifecycleManager) Confirm(ctx context.Context, alertID string, outcome models.ConfirmationStatus) (*models.AlertEvent, error) {
	if !outcome.IsTerminal() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	now := m.clock.Now()
	updated, err := m.store.Update(ctx, alertID, func(a *models.AlertEvent) {
		a.ConfirmationStatus = outcome
		a.ConfirmedAt = &now
	}, isPending)

	if errors.Is(err, ErrConditionFailed) {
		if updated != nil && !updated.RequiresConfirmation {
			return updated, ErrConfirmationNotRequired
		}
		m.logger.Info("Confirmation lost race, alert already resolved",
			zap.String("alert_id", alertID),
			zap.String("requested", string(outcome)))
		return updated, ErrAlreadyResolved
	}
	if err != nil {
		return nil, fmt.Errorf("confirm alert %s: %w", alertID, err)
	}

	m.logger.Info("Alert confirmed by caregiver",
		zap.String("alert_id", alertID),
		zap.String("patient_id", updated.PatientID),
		zap.String("outcome", string(outcome)))

	m.publish(models.AlertResolved, updated)
	return updated, nil
}

// MarkRead flags an alert as seen
func (m *AlertLifecycleManager) MarkRead(ctx context.Context, alertID string) (*models.AlertEvent, error) {
	return m.store.Update(ctx, alertID, func(a *models.AlertEvent) {
		a.IsRead = true
	}, func(*models.AlertEvent) bool { return true })
}

// List returns a patient's alerts, newest first
func (m *AlertLifecycleManager) List(ctx context.Context, patientID string, pendingOnly bool, limit int) ([]*models.AlertEvent, error) {
	if pendingOnly {
		return m.store.ListPending(ctx, patientID)
	}
	return m.store.List(ctx, patientID, limit)
}

// Recover resolves a patient's pending alerts whose deadline has passed and
// reschedules timers for the rest
func (m *AlertLifecycleManager) Recover(ctx context.Context, patientID string) (RecoveryResult, error) {
	var result RecoveryResult

	pending, err := m.store.ListPending(ctx, patientID)
	if err != nil {
		return result, fmt.Errorf("list pending alerts: %w", err)
	}

	now := m.clock.Now()
	for _, alert := range pending {
		if !alert.IsPendingConfirmation() {
			continue
		}
		if !now.Before(m.deadline(alert)) {
			if err := m.autoConfirm(ctx, alert.ID); err != nil {
				result.Failed++
				continue
			}
			result.Resolved++
			continue
		}
		if m.schedule(alert) {
			result.Rescheduled++
		}
	}

	if result.Resolved > 0 || result.Rescheduled > 0 || result.Failed > 0 {
		m.logger.Info("Recovered pending alerts",
			zap.String("patient_id", patientID),
			zap.Int("resolved", result.Resolved),
			zap.Int("rescheduled", result.Rescheduled),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// SweepExpired runs Recover across every patient with pending alerts
func (m *AlertLifecycleManager) SweepExpired(ctx context.Context) (RecoveryResult, error) {
	return m.Recover(ctx, "")
}

// CancelPatient stops the auto-confirmation timers of one patient's alerts
func (m *AlertLifecycleManager) CancelPatient(patientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := 0
	for id, t := range m.timers {
		if t.patientID != patientID {
			continue
		}
		t.timer.Stop()
		delete(m.timers, id)
		cancelled++
	}

	if cancelled > 0 {
		m.logger.Info("Cancelled auto-confirmation timers",
			zap.String("patient_id", patientID),
			zap.Int("count", cancelled))
	}
	return cancelled
}

// PendingTimers returns how many auto-confirmation timers are armed
func (m *AlertLifecycleManager) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Shutdown stops every timer and waits for running callbacks
func (m *AlertLifecycleManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.notices.Close()
	m.logger.Info("Alert lifecycle manager stopped")
}

func (m *AlertLifecycleManager) deadline(alert *models.AlertEvent) time.Time {
	return alert.CreatedAt.Add(m.delay)
}

// schedule arms the timer for alert unless one already exists
func (m *AlertLifecycleManager) schedule(alert *models.AlertEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if _, ok := m.timers[alert.ID]; ok {
		return false
	}

	deadline := m.deadline(alert)
	wait := deadline.Sub(m.clock.Now())
	if wait < 0 {
		wait = 0
	}

	id := alert.ID
	entry := &confirmationTimer{patientID: alert.PatientID, deadline: deadline}
	entry.timer = m.clock.AfterFunc(wait, func() { m.fire(id, entry) })
	m.timers[id] = entry

	m.logger.Debug("Auto-confirmation scheduled",
		zap.String("alert_id", id),
		zap.String("patient_id", alert.PatientID),
		zap.Time("deadline", deadline))
	return true
}

func (m *AlertLifecycleManager) fire(id string, entry *confirmationTimer) {
	m.mu.Lock()
	if m.closed || m.timers[id] != entry {
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)
	m.wg.Add(1)
	m.mu.Unlock()

	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()
	// failures are left for the next sweep
	_ = m.autoConfirm(ctx, id)
}

// autoConfirm marks a still-pending alert as wandering. Losing the race to a
// caregiver is not an error.
func (m *AlertLifecycleManager) autoConfirm(ctx context.Context, alertID string) error {
	now := m.clock.Now()
	updated, err := m.store.Update(ctx, alertID, func(a *models.AlertEvent) {
		a.ConfirmationStatus = models.Wandering
		a.AutoConfirmedAt = &now
	}, isPending)

	if errors.Is(err, ErrConditionFailed) {
		status := ""
		if updated != nil {
			status = string(updated.ConfirmationStatus)
		}
		m.logger.Debug("Auto-confirmation skipped, alert already resolved",
			zap.String("alert_id", alertID),
			zap.String("status", status))
		return nil
	}
	if err != nil {
		m.logger.Error("Auto-confirmation failed",
			zap.String("alert_id", alertID),
			zap.Error(err))
		return err
	}

	m.logger.Warn("Alert auto-confirmed as wandering",
		zap.String("alert_id", alertID),
		zap.String("patient_id", updated.PatientID))

	m.publish(models.AlertResolved, updated)
	return nil
}

func (m *AlertLifecycleManager) publish(action models.NoticeAction, alert *models.AlertEvent) {
	notice := models.AlertNotice{Action: action, Alert: alert.Clone()}
	if dropped := m.notices.Publish(notice); dropped > 0 {
		m.logger.Warn("Alert notice dropped by slow subscribers",
			zap.String("alert_id", alert.ID),
			zap.Int("dropped", dropped))
	}
}
