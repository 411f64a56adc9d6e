package storage

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestUpdateCountersUpsertsPerDelta(t *testing.T) {
	b, mock := newTestBuffer(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO statistics")).
		WithArgs("READINGS", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := b.UpdateCounters(context.Background(), map[string]int64{"readings": 5})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCountersEmptyIsNoop(t *testing.T) {
	b, mock := newTestBuffer(t)
	err := b.UpdateCounters(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterAssetTrackingOnConflictDoNothing(t *testing.T) {
	b, mock := newTestBuffer(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO asset_tracking")).
		WithArgs("svc", "sensor-plugin", "sensor1", "Ingest").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := b.RegisterAssetTracking(context.Background(), AssetTuple{
		Service: "svc", Plugin: "sensor-plugin", Asset: "sensor1", Event: "Ingest",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadAssetTrackingScansAllRows(t *testing.T) {
	b, mock := newTestBuffer(t)

	rows := sqlmock.NewRows([]string{"service", "plugin", "asset", "event"}).
		AddRow("svc", "p1", "a1", "Ingest").
		AddRow("svc", "p1", "a2", "Ingest")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT service, plugin, asset, event FROM asset_tracking")).
		WillReturnRows(rows)

	got, err := b.LoadAssetTracking(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a1", got[0].Asset)
	require.Equal(t, "a2", got[1].Asset)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadFilterStateMissingReportsNotFound(t *testing.T) {
	b, mock := newTestBuffer(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM filter_state WHERE state_key = $1")).
		WithArgs("svc.filter1").
		WillReturnError(sql.ErrNoRows)

	value, ok, err := b.LoadFilterState("svc.filter1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadFilterStateFound(t *testing.T) {
	b, mock := newTestBuffer(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM filter_state WHERE state_key = $1")).
		WithArgs("svc.filter1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(`{"threshold":1}`))

	value, ok, err := b.LoadFilterState("svc.filter1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"threshold":1}`, value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFilterStateUpserts(t *testing.T) {
	b, mock := newTestBuffer(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO filter_state")).
		WithArgs("svc.filter1", `{"threshold":2}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := b.SaveFilterState("svc.filter1", `{"threshold":2}`)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
