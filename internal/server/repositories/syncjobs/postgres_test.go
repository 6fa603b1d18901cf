package syncjobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewPostgresRepository(db), mock, db
}

var columns = []string{"id", "account_id", "state", "phase", "message", "progress", "attempts",
	"failure_kind", "last_error", "created_at", "updated_at", "finished_at"}

func TestSave(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	job := &models.SyncJob{
		ID: "j1", AccountID: "a1", State: "running", Phase: "fetch", Message: "fetching",
		Progress: json.RawMessage(`{"fetched":1}`), Attempts: 1, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec(`(?s)INSERT INTO sync_jobs .* ON CONFLICT \(id\)`).
		WithArgs("j1", "a1", "running", "fetch", "fetching", `{"fetched":1}`, 1, "", "", now, now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Save(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_Error(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO sync_jobs`).WillReturnError(errors.New("down"))
	assert.ErrorContains(t, repo.Save(context.Background(), &models.SyncJob{}), "db error: down")
}

func TestGet(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`FROM sync_jobs WHERE id = \$1`).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("j1", "a1", "failed", "persist", "boom", []byte(`{"fetched":2}`), 5, "persistence", "boom", now, now, now))

	j, err := repo.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "failed", j.State)
	assert.JSONEq(t, `{"fetched":2}`, string(j.Progress))
	require.NotNil(t, j.FinishedAt)

	mock.ExpectQuery(`FROM sync_jobs WHERE id = \$1`).WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestListByAccount(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`WHERE account_id = \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs("a1", 5).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("j2", "a1", "running", "", "", nil, 0, "", "", now, now, nil).
			AddRow("j1", "a1", "succeeded", "", "", nil, 1, "", "", now, now, now))

	got, err := repo.ListByAccount(context.Background(), "a1", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Nil(t, got[0].FinishedAt)
}

func TestDeleteFinishedBefore(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	cutoff := time.Now()
	mock.ExpectExec(`DELETE FROM sync_jobs WHERE finished_at IS NOT NULL AND finished_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteFinishedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
