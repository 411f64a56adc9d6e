package cursor

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "postgres")), mock
}

func TestFlushIsMonotonic(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE streams SET last_object = $1 WHERE id = $2 AND last_object < $1")).
		WithArgs(uint64(42), uint32(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Flush(context.Background(), 1, 42)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMissingStreamReportsNotOK(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_object FROM streams WHERE id = $1")).
		WithArgs(uint32(9)).
		WillReturnRows(sqlmock.NewRows([]string{"last_object"}))

	_, ok, err := s.Load(context.Background(), 9)
	require.NoError(t, err)
	require.False(t, ok)
}
