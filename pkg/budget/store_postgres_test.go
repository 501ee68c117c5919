package budget

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresReserveWins(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	k := Key{OrgID: "org-1", UAPKID: "uapk-1", ActionType: "payment", Bucket: "2026-08-24"}

	mock.ExpectQuery("INSERT INTO budget_counters").
		WithArgs("org-1", "uapk-1", "payment", "2026-08-24", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))

	ok, err := store.Reserve(context.Background(), k, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserveExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	k := Key{OrgID: "org-1", UAPKID: "uapk-1", ActionType: "payment", Bucket: "2026-08-24"}

	// No row returned means the conditional update did not fire.
	mock.ExpectQuery("INSERT INTO budget_counters").
		WithArgs("org-1", "uapk-1", "payment", "2026-08-24", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}))

	ok, err := store.Reserve(context.Background(), k, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresReserveUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	k := Key{OrgID: "org-1", UAPKID: "uapk-1", ActionType: "payment", Bucket: "2026-08-24"}

	mock.ExpectQuery("INSERT INTO budget_counters").
		WillReturnError(errors.New("connection refused"))

	_, err = store.Reserve(context.Background(), k, 5)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPostgresCountAbsentKeyIsZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	k := Key{OrgID: "org-1", UAPKID: "uapk-1", ActionType: "payment", Bucket: "2026-08-24"}

	mock.ExpectQuery("SELECT count FROM budget_counters").
		WithArgs("org-1", "uapk-1", "payment", "2026-08-24").
		WillReturnRows(sqlmock.NewRows([]string{"count"}))

	count, err := store.Count(context.Background(), k)
	require.NoError(t, err)
	assert.Zero(t, count)
}
