package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"awn/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var alertColumnNames = []string{
	"id", "patient_id", "alert_type", "occurred_at", "latitude", "longitude", "is_read",
	"requires_confirmation", "confirmation_status", "confirmed_at", "auto_confirmed_at", "created_at",
}

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return mock, newPostgresStore(db, zap.NewNop())
}

func alertRows(alerts ...*models.AlertEvent) *sqlmock.Rows {
	rows := sqlmock.NewRows(alertColumnNames)
	for _, a := range alerts {
		rows.AddRow(a.ID, a.PatientID, string(a.Type), a.Timestamp,
			nullable(a.Latitude), nullable(a.Longitude), a.IsRead,
			a.RequiresConfirmation, string(a.ConfirmationStatus),
			nullable(a.ConfirmedAt), nullable(a.AutoConfirmedAt), a.CreatedAt)
	}
	return rows
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func TestPostgresStore_Create(t *testing.T) {
	mock, store := setupMockStore(t)
	alert := models.NewAlertEvent("p-1", models.GeofenceExit, epoch, pointAt(600))

	mock.ExpectExec(`INSERT INTO alerts`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stored, err := store.Create(context.Background(), alert)

	require.NoError(t, err)
	assert.Equal(t, alert.ID, stored.ID)
	assert.Equal(t, models.Pending, stored.ConfirmationStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateExistingReturnsStored(t *testing.T) {
	mock, store := setupMockStore(t)
	alert := models.NewAlertEvent("p-1", models.GeofenceExit, epoch, pointAt(600))
	existing := alert.Clone()
	existing.IsRead = true

	mock.ExpectExec(`INSERT INTO alerts`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)SELECT .+ FROM alerts WHERE id = \$1`).
		WithArgs(alert.ID).
		WillReturnRows(alertRows(existing))

	stored, err := store.Create(context.Background(), alert)

	require.NoError(t, err)
	assert.True(t, stored.IsRead)
	require.NotNil(t, stored.Latitude)
	assert.InDelta(t, pointAt(600).Latitude, *stored.Latitude, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRejectsInvalid(t *testing.T) {
	mock, store := setupMockStore(t)

	_, err := store.Create(context.Background(), &models.AlertEvent{ID: "x"})

	assert.ErrorIs(t, err, models.ErrInvalidAlert)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	mock, store := setupMockStore(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM alerts WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(alertColumnNames))

	_, err := store.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrAlertNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRejectsMalformedRow(t *testing.T) {
	mock, store := setupMockStore(t)
	broken := models.NewAlertEvent("p-1", models.GeofenceExit, epoch, nil)
	broken.RequiresConfirmation = false

	mock.ExpectQuery(`(?s)SELECT .+ FROM alerts WHERE id = \$1`).
		WithArgs(broken.ID).
		WillReturnRows(alertRows(broken))

	_, err := store.Get(context.Background(), broken.ID)

	assert.ErrorIs(t, err, models.ErrInvalidAlert)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSkipsMalformedRows(t *testing.T) {
	mock, store := setupMockStore(t)
	good := models.NewAlertEvent("p-1", models.FallDetected, epoch, nil)
	broken := models.NewAlertEvent("p-1", models.FallDetected, epoch.Add(time.Minute), nil)
	broken.Type = "EARTHQUAKE"

	mock.ExpectQuery(`(?s)SELECT .+ FROM alerts.+ORDER BY created_at DESC`).
		WithArgs("p-1", sqlmock.AnyArg()).
		WillReturnRows(alertRows(broken, good))

	alerts, err := store.List(context.Background(), "p-1", 10)

	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, good.ID, alerts[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateAppliesMutation(t *testing.T) {
	mock, store := setupMockStore(t)
	alert := models.NewAlertEvent("p-1", models.GeofenceExit, epoch, pointAt(600))

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM alerts WHERE id = \$1 FOR UPDATE`).
		WithArgs(alert.ID).
		WillReturnRows(alertRows(alert))
	mock.ExpectExec(`UPDATE alerts SET`).
		WithArgs(alert.ID, false, string(models.Accompanied), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	confirmedAt := epoch.Add(time.Minute)
	updated, err := store.Update(context.Background(), alert.ID,
		func(a *models.AlertEvent) {
			a.ConfirmationStatus = models.Accompanied
			a.ConfirmedAt = &confirmedAt
		},
		(*models.AlertEvent).IsPendingConfirmation)

	require.NoError(t, err)
	assert.Equal(t, models.Accompanied, updated.ConfirmationStatus)
	require.NotNil(t, updated.ConfirmedAt)
	assert.Equal(t, confirmedAt, *updated.ConfirmedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateConditionFailed(t *testing.T) {
	mock, store := setupMockStore(t)
	alert := models.NewAlertEvent("p-1", models.GeofenceExit, epoch, pointAt(600))
	alert.ConfirmationStatus = models.Wandering
	resolvedAt := epoch.Add(5 * time.Minute)
	alert.AutoConfirmedAt = &resolvedAt

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM alerts WHERE id = \$1 FOR UPDATE`).
		WithArgs(alert.ID).
		WillReturnRows(alertRows(alert))
	mock.ExpectRollback()

	current, err := store.Update(context.Background(), alert.ID,
		func(a *models.AlertEvent) { a.ConfirmationStatus = models.Accompanied },
		(*models.AlertEvent).IsPendingConfirmation)

	assert.ErrorIs(t, err, ErrConditionFailed)
	require.NotNil(t, current)
	assert.Equal(t, models.Wandering, current.ConfirmationStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateNotFound(t *testing.T) {
	mock, store := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FOR UPDATE`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(alertColumnNames))
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "missing",
		func(*models.AlertEvent) {}, func(*models.AlertEvent) bool { return true })

	assert.ErrorIs(t, err, ErrAlertNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPending(t *testing.T) {
	mock, store := setupMockStore(t)
	first := models.NewAlertEvent("p-1", models.GeofenceExit, epoch, pointAt(600))
	second := models.NewAlertEvent("p-1", models.GeofenceExit, epoch.Add(time.Minute), nil)

	mock.ExpectQuery(`(?s)SELECT .+ FROM alerts.+confirmation_status = \$1`).
		WithArgs(string(models.Pending), "p-1").
		WillReturnRows(alertRows(first, second))

	alerts, err := store.ListPending(context.Background(), "p-1")

	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, first.ID, alerts[0].ID)
	assert.Nil(t, alerts[1].Latitude)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSafeZone(t *testing.T) {
	zoneColumns := []string{"safe_zone_name", "safe_zone_latitude", "safe_zone_longitude", "safe_zone_radius_meters", "safe_zone_active"}

	t.Run("configured zone", func(t *testing.T) {
		mock, store := setupMockStore(t)
		mock.ExpectQuery(`SELECT safe_zone_name`).
			WithArgs("p-1").
			WillReturnRows(sqlmock.NewRows(zoneColumns).
				AddRow("Home", riyadhCenter.Latitude, riyadhCenter.Longitude, 500.0, true))

		zone, err := store.GetSafeZone(context.Background(), "p-1")

		require.NoError(t, err)
		require.NotNil(t, zone)
		assert.Equal(t, "Home", zone.Name)
		assert.Equal(t, riyadhCenter, zone.Center)
		assert.True(t, zone.IsActive)
	})

	t.Run("missing radius is absent", func(t *testing.T) {
		mock, store := setupMockStore(t)
		mock.ExpectQuery(`SELECT safe_zone_name`).
			WithArgs("p-1").
			WillReturnRows(sqlmock.NewRows(zoneColumns).
				AddRow("Home", riyadhCenter.Latitude, riyadhCenter.Longitude, nil, true))

		zone, err := store.GetSafeZone(context.Background(), "p-1")

		require.NoError(t, err)
		assert.Nil(t, zone)
	})

	t.Run("unknown patient", func(t *testing.T) {
		mock, store := setupMockStore(t)
		mock.ExpectQuery(`SELECT safe_zone_name`).
			WithArgs("p-9").
			WillReturnError(sql.ErrNoRows)

		zone, err := store.GetSafeZone(context.Background(), "p-9")

		require.NoError(t, err)
		assert.Nil(t, zone)
	})
}
