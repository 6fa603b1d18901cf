// Package syncjobs archives sync job records so status survives restarts
// for the retention window.
package syncjobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/dbx"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Save upserts the job by id.
func (r *PostgresRepository) Save(ctx context.Context, job *models.SyncJob) error {
	query := `
		INSERT INTO sync_jobs (id, account_id, state, phase, message, progress, attempts, failure_kind,
			last_error, created_at, updated_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id)
		DO UPDATE SET
			state = EXCLUDED.state,
			phase = EXCLUDED.phase,
			message = EXCLUDED.message,
			progress = EXCLUDED.progress,
			attempts = EXCLUDED.attempts,
			failure_kind = EXCLUDED.failure_kind,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.AccountID, job.State, job.Phase, job.Message, nullJSON(job.Progress),
		job.Attempts, job.FailureKind, job.LastError, job.CreatedAt, job.UpdatedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

const selectJob = `SELECT id, account_id, state, phase, message, progress, attempts, failure_kind, last_error,
		created_at, updated_at, finished_at FROM sync_jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*models.SyncJob, error) {
	var j models.SyncJob
	var progress []byte
	var finished sql.NullTime
	if err := s.Scan(&j.ID, &j.AccountID, &j.State, &j.Phase, &j.Message, &progress, &j.Attempts,
		&j.FailureKind, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &finished); err != nil {
		return nil, err
	}
	j.Progress = progress
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

// Get returns a job by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.SyncJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, selectJob+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return j, nil
}

// ListByAccount returns the most recent jobs of an account.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.SyncJob, error) {
	rows, err := r.db.QueryContext(ctx, selectJob+` WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// DeleteFinishedBefore drops terminal jobs that finished before cutoff.
func (r *PostgresRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_jobs WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
