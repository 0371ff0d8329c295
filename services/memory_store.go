package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"awn/models"
)

// MemoryStore keeps alerts and safe zones in process memory. It backs local
// runs with ALERT_STORE=memory and the tests.
type MemoryStore struct {
	mu     sync.Mutex
	alerts map[string]*models.AlertEvent
	zones  map[string]*models.SafeZone
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*models.AlertEvent),
		zones:  make(map[string]*models.SafeZone),
	}
}

// Create stores alert. Creating an id twice returns the first record.
func (s *MemoryStore) Create(_ context.Context, alert *models.AlertEvent) (*models.AlertEvent, error) {
	if err := alert.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.alerts[alert.ID]; ok {
		return existing.Clone(), nil
	}
	s.alerts[alert.ID] = alert.Clone()
	return alert.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return alert.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, mutate func(*models.AlertEvent), precondition func(*models.AlertEvent) bool) (*models.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if !precondition(current.Clone()) {
		return current.Clone(), ErrConditionFailed
	}

	next := current.Clone()
	mutate(next)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.alerts[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListPending(_ context.Context, patientID string) ([]*models.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.AlertEvent
	for _, a := range s.alerts {
		if !a.IsPendingConfirmation() {
			continue
		}
		if patientID != "" && a.PatientID != patientID {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, patientID string, limit int) ([]*models.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.AlertEvent
	for _, a := range s.alerts {
		if patientID != "" && a.PatientID != patientID {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetSafeZone(_ context.Context, patientID string) (*models.SafeZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zone, ok := s.zones[patientID]
	if !ok || zone == nil {
		return nil, nil
	}
	z := *zone
	return &z, nil
}

// SetSafeZone assigns a zone; nil removes it
func (s *MemoryStore) SetSafeZone(patientID string, zone *models.SafeZone) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if zone == nil {
		delete(s.zones, patientID)
		return
	}
	z := *zone
	s.zones[patientID] = &z
}
