package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"awn/config"
	"awn/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	firebaseAlertsPath   = "alerts"
	firebasePatientsPath = "patients"
)

// FirebaseStore keeps alerts and patient records in the Realtime Database.
//
//	alerts/<alertId>      AlertEvent JSON
//	patients/<patientId>  {"safeZone": {...}}
type FirebaseStore struct {
	client *db.Client
	config *config.Config
	logger *zap.Logger
}

// patientRecord mirrors the patient node; every zone field is optional
type patientRecord struct {
	SafeZone *safeZoneRecord `json:"safeZone"`
}

type safeZoneRecord struct {
	Name            *string  `json:"name"`
	CenterLatitude  *float64 `json:"centerLatitude"`
	CenterLongitude *float64 `json:"centerLongitude"`
	RadiusMeters    *float64 `json:"radiusMeters"`
	IsActive        *bool    `json:"isActive"`
}

// toSafeZone fails closed: missing geometry means no zone, a missing active
// flag means inactive
func (r *safeZoneRecord) toSafeZone() (*models.SafeZone, error) {
	if r == nil {
		return nil, nil
	}
	active := r.IsActive != nil && *r.IsActive
	return models.NewSafeZone(r.Name, r.CenterLatitude, r.CenterLongitude, r.RadiusMeters, active)
}

func NewFirebaseStore(cfg *config.Config, logger *zap.Logger) (*FirebaseStore, error) {
	ctx := context.Background()

	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}

	opt := option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	if err := fs.testConnection(); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection tests Firebase connection with retry logic
func (fs *FirebaseStore) testConnection() error {
	ctx := context.Background()
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		// A shallow read of the alerts node is enough to prove credentials
		var data interface{}
		err := fs.client.NewRef(firebaseAlertsPath).OrderByKey().LimitToFirst(1).Get(ctx, &data)
		if err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

func (fs *FirebaseStore) alertRef(id string) *db.Ref {
	return fs.client.NewRef(firebaseAlertsPath).Child(id)
}

// Create writes the alert unless the id already exists, in which case the
// stored record wins
func (fs *FirebaseStore) Create(ctx context.Context, alert *models.AlertEvent) (*models.AlertEvent, error) {
	if err := alert.Validate(); err != nil {
		return nil, err
	}

	var stored *models.AlertEvent
	err := fs.alertRef(alert.ID).Transaction(ctx, func(tn db.TransactionNode) (interface{}, error) {
		var existing models.AlertEvent
		if err := tn.Unmarshal(&existing); err != nil {
			return nil, err
		}
		if existing.ID != "" {
			if err := existing.Validate(); err != nil {
				return nil, fmt.Errorf("stored alert %s: %w", alert.ID, err)
			}
			stored = &existing
			return existing, nil
		}
		stored = alert.Clone()
		return stored, nil
	})
	if err != nil {
		return nil, fmt.Errorf("error creating alert %s: %w", alert.ID, err)
	}

	fs.logger.Debug("Alert written to Firebase",
		zap.String("alert_id", stored.ID),
		zap.String("patient_id", stored.PatientID))
	return stored.Clone(), nil
}

func (fs *FirebaseStore) Get(ctx context.Context, id string) (*models.AlertEvent, error) {
	var alert models.AlertEvent
	if err := fs.alertRef(id).Get(ctx, &alert); err != nil {
		return nil, fmt.Errorf("error getting alert %s: %w", id, err)
	}
	if err := checkDecoded(id, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// checkDecoded rejects an empty node as not found and a malformed one as invalid
func checkDecoded(id string, alert *models.AlertEvent) error {
	if alert.ID == "" {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err := alert.Validate(); err != nil {
		return fmt.Errorf("alert %s: %w", id, err)
	}
	return nil
}

// Update runs the precondition and mutation inside an RTDB transaction so a
// concurrent writer forces a retry against the fresh record
func (fs *FirebaseStore) Update(ctx context.Context, id string, mutate func(*models.AlertEvent), precondition func(*models.AlertEvent) bool) (*models.AlertEvent, error) {
	var (
		result *models.AlertEvent
		failed bool
	)

	err := fs.alertRef(id).Transaction(ctx, func(tn db.TransactionNode) (interface{}, error) {
		result, failed = nil, false

		var current models.AlertEvent
		if err := tn.Unmarshal(&current); err != nil {
			return nil, err
		}
		if err := checkDecoded(id, &current); err != nil {
			return nil, err
		}
		if !precondition(current.Clone()) {
			result, failed = &current, true
			return nil, ErrConditionFailed
		}

		next := current.Clone()
		mutate(next)
		if err := next.Validate(); err != nil {
			return nil, err
		}
		result = next
		return next, nil
	})

	switch {
	case failed:
		return result, ErrConditionFailed
	case errors.Is(err, ErrAlertNotFound), errors.Is(err, models.ErrInvalidAlert):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("error updating alert %s: %w", id, err)
	}
	return result, nil
}

func (fs *FirebaseStore) ListPending(ctx context.Context, patientID string) ([]*models.AlertEvent, error) {
	var data map[string]*models.AlertEvent
	query := fs.client.NewRef(firebaseAlertsPath).
		OrderByChild("confirmationStatus").
		EqualTo(string(models.Pending))
	if err := query.Get(ctx, &data); err != nil {
		return nil, fmt.Errorf("error listing pending alerts: %w", err)
	}

	out := collectAlerts(data, func(a *models.AlertEvent) bool {
		return a.IsPendingConfirmation() && (patientID == "" || a.PatientID == patientID)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (fs *FirebaseStore) List(ctx context.Context, patientID string, limit int) ([]*models.AlertEvent, error) {
	var data map[string]*models.AlertEvent
	ref := fs.client.NewRef(firebaseAlertsPath)

	var err error
	if patientID != "" {
		err = ref.OrderByChild("patientId").EqualTo(patientID).Get(ctx, &data)
	} else {
		err = ref.Get(ctx, &data)
	}
	if err != nil {
		return nil, fmt.Errorf("error listing alerts: %w", err)
	}

	out := collectAlerts(data, func(a *models.AlertEvent) bool {
		return patientID == "" || a.PatientID == patientID
	})
	return newestFirst(out, limit), nil
}

// GetSafeZone reads patients/<id>/safeZone
func (fs *FirebaseStore) GetSafeZone(ctx context.Context, patientID string) (*models.SafeZone, error) {
	var record patientRecord
	if err := fs.client.NewRef(firebasePatientsPath).Child(patientID).Get(ctx, &record); err != nil {
		return nil, fmt.Errorf("error getting patient %s: %w", patientID, err)
	}

	zone, err := record.SafeZone.toSafeZone()
	if err != nil {
		fs.logger.Warn("Patient safe zone is unusable",
			zap.String("patient_id", patientID),
			zap.Error(err))
		return nil, err
	}
	return zone, nil
}

// Close closes the Firebase connection
func (fs *FirebaseStore) Close() error {
	fs.logger.Info("Closing Firebase store")
	return nil
}

// collectAlerts drops empty or malformed nodes
func collectAlerts(data map[string]*models.AlertEvent, keep func(*models.AlertEvent) bool) []*models.AlertEvent {
	out := make([]*models.AlertEvent, 0, len(data))
	for _, a := range data {
		if a == nil || a.ID == "" || a.Validate() != nil {
			continue
		}
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func newestFirst(alerts []*models.AlertEvent, limit int) []*models.AlertEvent {
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts
}
