package observations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleObservation() *Observation {
	return &Observation{
		DriverID:         uuid.New(),
		OrderID:          uuid.New(),
		FromLat:          37.7749,
		FromLon:          -122.4194,
		ToLat:            37.7849,
		ToLon:            -122.4094,
		FromCell:         "87283082bffffff",
		ToCell:           "87283082affffff",
		PredictedSeconds: 540,
		ActualSeconds:    612,
		DistanceM:        1834,
		HourOfDay:        12,
		DayOfWeek:        2,
		CompletedAt:      time.Date(2025, 7, 1, 12, 10, 12, 0, time.UTC),
	}
}

func TestRepository_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	obs := sampleObservation()
	mock.ExpectExec("INSERT INTO route_segment_observations").
		WithArgs(
			obs.DriverID, obs.OrderID,
			obs.FromLat, obs.FromLon, obs.ToLat, obs.ToLon,
			obs.FromCell, obs.ToCell,
			obs.PredictedSeconds, obs.ActualSeconds, obs.DistanceM,
			obs.HourOfDay, obs.DayOfWeek, obs.CompletedAt,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewRepository(db)
	err = repo.Insert(context.Background(), obs)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Insert_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO route_segment_observations").
		WillReturnError(errors.New("connection reset"))

	repo := NewRepository(db)
	err = repo.Insert(context.Background(), sampleObservation())

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert segment observation")
}

func TestRepository_DeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM route_segment_observations").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	repo := NewRepository(db)
	removed, err := repo.DeleteOlderThan(context.Background(), cutoff)

	assert.NoError(t, err)
	assert.Equal(t, int64(42), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DeleteOlderThan_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM route_segment_observations").
		WillReturnError(errors.New("deadlock detected"))

	repo := NewRepository(db)
	_, err = repo.DeleteOlderThan(context.Background(), time.Now())

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to prune segment observations")
}

func TestRepository_CountBySegment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"count"}).AddRow(7)
	mock.ExpectQuery("SELECT COUNT.*FROM route_segment_observations").
		WithArgs("87283082bffffff", "87283082affffff").
		WillReturnRows(rows)

	repo := NewRepository(db)
	count, err := repo.CountBySegment(context.Background(), "87283082bffffff", "87283082affffff")

	assert.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
