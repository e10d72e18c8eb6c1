package state

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLiteMock(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS coordinator_state").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewSQLiteStoreFromDB(sqlx.NewDb(db, "sqlite3"), testKey)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return s, mock
}

func TestSQLiteStore_Load(t *testing.T) {
	s, mock := setupSQLiteMock(t)

	rows := sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"version":"2.1.0"}`))
	mock.ExpectQuery("SELECT data FROM coordinator_state WHERE state_key = ?").
		WithArgs(testKey).
		WillReturnRows(rows)

	data, err := s.Load(context.Background())

	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"2.1.0"}`, string(data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_LoadMissing(t *testing.T) {
	s, mock := setupSQLiteMock(t)

	mock.ExpectQuery("SELECT data FROM coordinator_state").
		WithArgs(testKey).
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	_, err := s.Load(context.Background())

	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_Save(t *testing.T) {
	s, mock := setupSQLiteMock(t)

	mock.ExpectExec("INSERT INTO coordinator_state").
		WithArgs(testKey, []byte("{}"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Save(context.Background(), []byte("{}")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_SaveError(t *testing.T) {
	s, mock := setupSQLiteMock(t)

	mock.ExpectExec("INSERT INTO coordinator_state").
		WillReturnError(errors.New("database is locked"))

	err := s.Save(context.Background(), []byte("{}"))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write state")
}

func TestSQLiteStore_Delete(t *testing.T) {
	s, mock := setupSQLiteMock(t)

	mock.ExpectExec("DELETE FROM coordinator_state WHERE state_key = ?").
		WithArgs(testKey).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Delete(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
