package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

var consumeSQL = regexp.QuoteMeta(`INSERT INTO quota_daily_usage (counter_key, day, used)`)

func TestPostgresCounterStore_ConsumeUnderLimit(t *testing.T) {
	db, mock := newMockDB(t)
	store := &PostgresCounterStore{db: db}

	mock.ExpectQuery(consumeSQL).
		WithArgs("export:alice", "2026-05-04", 10).
		WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(4))

	used, allowed, err := store.Consume(context.Background(), "export:alice", "2026-05-04", 10, time.Time{})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 4, used)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCounterStore_ConsumeAtLimit(t *testing.T) {
	db, mock := newMockDB(t)
	store := &PostgresCounterStore{db: db}

	mock.ExpectQuery(consumeSQL).
		WithArgs("export:alice", "2026-05-04", 10).
		WillReturnRows(sqlmock.NewRows([]string{"used"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT used FROM quota_daily_usage`)).
		WithArgs("export:alice", "2026-05-04").
		WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(10))

	used, allowed, err := store.Consume(context.Background(), "export:alice", "2026-05-04", 10, time.Time{})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 10, used)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCounterStore_ConsumeError(t *testing.T) {
	db, mock := newMockDB(t)
	store := &PostgresCounterStore{db: db}

	mock.ExpectQuery(consumeSQL).WillReturnError(assert.AnError)

	_, allowed, err := store.Consume(context.Background(), "ingest:bob", "2026-05-04", 3, time.Time{})
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, allowed)
}
