package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/pipeline/pkg/reading"
)

func newTestBuffer(t *testing.T) (*Buffer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := DefaultPoolConfig()
	cfg.MaxRetries = 0
	return &Buffer{db: sqlx.NewDb(db, "postgres"), pool: newPool(db, cfg), cfg: cfg}, mock
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	b, mock := newTestBuffer(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO readings")).
		WithArgs("sensor1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO readings")).
		WithArgs("sensor1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectCommit()

	r1 := reading.New("sensor1", reading.Datapoint{Name: "v", Value: reading.NewFloat(1.0)})
	r2 := reading.New("sensor1", reading.Datapoint{Name: "v", Value: reading.NewFloat(2.0)})

	n, err := b.Append(context.Background(), []*reading.Reading{r1, r2})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, r1.HasID)
	require.EqualValues(t, 1, r1.ID)
	require.EqualValues(t, 2, r2.ID)
	require.Less(t, r1.ID, r2.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEmptyBatchIsNoop(t *testing.T) {
	b, mock := newTestBuffer(t)
	n, err := b.Append(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeByAssetReportsRemovedCount(t *testing.T) {
	b, mock := newTestBuffer(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM readings WHERE asset = $1")).
		WithArgs("sensor1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := b.PurgeByAsset(context.Background(), "sensor1")
	require.NoError(t, err)
	require.EqualValues(t, 3, removed)
}

func TestPurgeByAgeReportsUnsentPurgedWhenNotRetaining(t *testing.T) {
	b, mock := newTestBuffer(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM readings WHERE (user_ts < $1) AND id > 5")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM readings WHERE user_ts < $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM readings")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectCommit()

	result, err := b.PurgeByAge(context.Background(), 60, false, 5)
	require.NoError(t, err)
	require.EqualValues(t, 7, result.Removed)
	require.EqualValues(t, 2, result.UnsentPurged)
	require.EqualValues(t, 0, result.UnsentRetained)
	require.EqualValues(t, 3, result.Readings)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeByAgeReportsUnsentRetainedWhenRetaining(t *testing.T) {
	b, mock := newTestBuffer(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM readings WHERE (user_ts < $1) AND id > 5")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM readings WHERE (user_ts < $1) AND id <= 5")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM readings")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(6)))
	mock.ExpectCommit()

	result, err := b.PurgeByAge(context.Background(), 60, true, 5)
	require.NoError(t, err)
	require.EqualValues(t, 4, result.Removed)
	require.EqualValues(t, 0, result.UnsentPurged)
	require.EqualValues(t, 2, result.UnsentRetained)
	require.EqualValues(t, 6, result.Readings)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchReturnsRowsAfterID(t *testing.T) {
	b, mock := newTestBuffer(t)
	now := time.Now()
	payload, _, _ := reading.New("a", reading.Datapoint{Name: "v", Value: reading.NewInteger(1)}).ToJSON(false)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, asset, uuid, user_ts, system_ts, payload FROM readings WHERE id > $1")).
		WithArgs(uint64(5), 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "asset", "uuid", "user_ts", "system_ts", "payload"}).
			AddRow(int64(6), "a", "u1", now, now, payload))

	set, err := b.Fetch(context.Background(), 5, 10)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	require.EqualValues(t, 6, set.Readings[0].ID)
	require.EqualValues(t, 6, set.LastID)
}
