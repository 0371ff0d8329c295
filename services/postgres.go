package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"awn/config"
	"awn/models"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const alertColumns = `id, patient_id, alert_type, occurred_at, latitude, longitude, is_read,
	requires_confirmation, confirmation_status, confirmed_at, auto_confirmed_at, created_at`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	id                    TEXT PRIMARY KEY,
	patient_id            TEXT NOT NULL,
	alert_type            TEXT NOT NULL,
	occurred_at           TIMESTAMPTZ NOT NULL,
	latitude              DOUBLE PRECISION,
	longitude             DOUBLE PRECISION,
	is_read               BOOLEAN NOT NULL DEFAULT FALSE,
	requires_confirmation BOOLEAN NOT NULL,
	confirmation_status   TEXT NOT NULL,
	confirmed_at          TIMESTAMPTZ,
	auto_confirmed_at     TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_pending_idx ON alerts (confirmation_status, created_at);
CREATE INDEX IF NOT EXISTS alerts_patient_idx ON alerts (patient_id, created_at DESC);
CREATE TABLE IF NOT EXISTS patients (
	patient_id              TEXT PRIMARY KEY,
	safe_zone_name          TEXT,
	safe_zone_latitude      DOUBLE PRECISION,
	safe_zone_longitude     DOUBLE PRECISION,
	safe_zone_radius_meters DOUBLE PRECISION,
	safe_zone_active        BOOLEAN
);`

// PostgresStore is the SQL alert store and patient directory
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore opens the pool and pings the server
func NewPostgresStore(cfg *config.Config, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Database.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxConns)
	}
	if cfg.Database.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdle)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to Postgres",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database))

	return newPostgresStore(db, logger), nil
}

func newPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// EnsureSchema creates the tables when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.AlertEvent, error) {
	var (
		a                   models.AlertEvent
		alertType, status   string
		lat, lon            sql.NullFloat64
		confirmedAt, autoAt sql.NullTime
	)

	err := row.Scan(&a.ID, &a.PatientID, &alertType, &a.Timestamp, &lat, &lon, &a.IsRead,
		&a.RequiresConfirmation, &status, &confirmedAt, &autoAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}

	a.Type = models.AlertType(alertType)
	a.ConfirmationStatus = models.ConfirmationStatus(status)
	if lat.Valid {
		a.Latitude = &lat.Float64
	}
	if lon.Valid {
		a.Longitude = &lon.Float64
	}
	if confirmedAt.Valid {
		a.ConfirmedAt = &confirmedAt.Time
	}
	if autoAt.Valid {
		a.AutoConfirmedAt = &autoAt.Time
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("alert %s: %w", a.ID, err)
	}
	return &a, nil
}

func nullable[T any](v *T) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// Create inserts the alert; an existing id keeps its stored record
func (s *PostgresStore) Create(ctx context.Context, alert *models.AlertEvent) (*models.AlertEvent, error) {
	if err := alert.Validate(); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		alert.ID, alert.PatientID, string(alert.Type), alert.Timestamp,
		nullable(alert.Latitude), nullable(alert.Longitude), alert.IsRead,
		alert.RequiresConfirmation, string(alert.ConfirmationStatus),
		nullable(alert.ConfirmedAt), nullable(alert.AutoConfirmedAt), alert.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert alert %s: %w", alert.ID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Debug("Alert already stored", zap.String("alert_id", alert.ID))
		return s.Get(ctx, alert.ID)
	}
	return alert.Clone(), nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.AlertEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return alert, nil
}

// Update locks the row for the duration of the precondition check
func (s *PostgresStore) Update(ctx context.Context, id string, mutate func(*models.AlertEvent), precondition func(*models.AlertEvent) bool) (*models.AlertEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1 FOR UPDATE`, id)
	current, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock alert %s: %w", id, err)
	}

	if !precondition(current.Clone()) {
		return current, ErrConditionFailed
	}

	next := current.Clone()
	mutate(next)
	if err := next.Validate(); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE alerts SET is_read = $2, confirmation_status = $3, confirmed_at = $4, auto_confirmed_at = $5
		WHERE id = $1`,
		id, next.IsRead, string(next.ConfirmationStatus), nullable(next.ConfirmedAt), nullable(next.AutoConfirmedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to update alert %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit alert %s: %w", id, err)
	}
	return next, nil
}

func (s *PostgresStore) ListPending(ctx context.Context, patientID string) ([]*models.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE confirmation_status = $1 AND ($2 = '' OR patient_id = $2)
		ORDER BY created_at ASC`,
		string(models.Pending), patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending alerts: %w", err)
	}
	return s.collect(rows)
}

func (s *PostgresStore) List(ctx context.Context, patientID string, limit int) ([]*models.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE ($1 = '' OR patient_id = $1)
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)`,
		patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return s.collect(rows)
}

func (s *PostgresStore) collect(rows *sql.Rows) ([]*models.AlertEvent, error) {
	defer rows.Close()

	var out []*models.AlertEvent
	for rows.Next() {
		alert, err := scanAlert(rows)
		if errors.Is(err, models.ErrInvalidAlert) {
			s.logger.Warn("Skipping malformed alert row", zap.Error(err))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read alerts: %w", err)
	}
	return out, nil
}

// GetSafeZone returns nil, nil for an unknown patient
func (s *PostgresStore) GetSafeZone(ctx context.Context, patientID string) (*models.SafeZone, error) {
	var (
		name          sql.NullString
		lat, lon, rad sql.NullFloat64
		active        sql.NullBool
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT safe_zone_name, safe_zone_latitude, safe_zone_longitude, safe_zone_radius_meters, safe_zone_active
		FROM patients WHERE patient_id = $1`, patientID).
		Scan(&name, &lat, &lon, &rad, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient %s: %w", patientID, err)
	}

	record := &safeZoneRecord{}
	if name.Valid {
		record.Name = &name.String
	}
	if lat.Valid {
		record.CenterLatitude = &lat.Float64
	}
	if lon.Valid {
		record.CenterLongitude = &lon.Float64
	}
	if rad.Valid {
		record.RadiusMeters = &rad.Float64
	}
	if active.Valid {
		record.IsActive = &active.Bool
	}
	return record.toSafeZone()
}

func (s *PostgresStore) Close() error {
	s.logger.Info("Closing Postgres store")
	return s.db.Close()
}
