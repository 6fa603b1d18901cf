// Package folderstate persists per-folder listings used for reconciliation.
package folderstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/dbx"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Snapshot returns the stored listing for a folder ordered by UID. A folder
// never synced yields an empty slice.
func (r *PostgresRepository) Snapshot(ctx context.Context, accountID, folder string) ([]models.FolderStateEntry, error) {
	query := `SELECT uid, flags FROM folder_state WHERE account_id = $1 AND folder = $2 ORDER BY uid`

	rows, err := r.db.QueryContext(ctx, query, accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	result := []models.FolderStateEntry{}
	for rows.Next() {
		var uid int64
		var flags int32
		if err := rows.Scan(&uid, &flags); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, models.FolderStateEntry{UID: mailbox.UID(uid), Flags: mailbox.Flags(flags)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

// Replace swaps the stored listing of a folder for entries. Run it inside a
// transaction: the delete and the insert must land together.
func (r *PostgresRepository) Replace(ctx context.Context, accountID, folder string, entries []models.FolderStateEntry) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM folder_state WHERE account_id = $1 AND folder = $2`, accountID, folder); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	uids := make([]int64, len(entries))
	flags := make([]int32, len(entries))
	for i, e := range entries {
		uids[i] = int64(e.UID)
		flags[i] = int32(e.Flags)
	}

	query := `
		INSERT INTO folder_state (account_id, folder, uid, flags)
		SELECT $1, $2, u.uid, u.flags FROM unnest($3::bigint[], $4::int[]) AS u(uid, flags)
	`
	res, err := r.db.ExecContext(ctx, query, accountID, folder, uids, flags)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != int64(len(entries)) {
		return fmt.Errorf("unexpected rows affected: %d, want %d", n, len(entries))
	}
	return nil
}

// GetFolder returns the UIDVALIDITY marker of a folder, or
// common.ErrorNotFound for a folder never synced.
func (r *PostgresRepository) GetFolder(ctx context.Context, accountID, folder string) (*models.Folder, error) {
	query := `SELECT account_id, folder, uid_validity, last_synced_at FROM folders WHERE account_id = $1 AND folder = $2`

	f := &models.Folder{}
	var uv int64
	err := r.db.QueryRowContext(ctx, query, accountID, folder).Scan(&f.AccountID, &f.Name, &uv, &f.LastSyncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	f.UIDValidity = uint32(uv)
	return f, nil
}

// SaveFolder upserts the folder marker.
func (r *PostgresRepository) SaveFolder(ctx context.Context, f *models.Folder) error {
	query := `
		INSERT INTO folders (account_id, folder, uid_validity, last_synced_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, folder)
		DO UPDATE SET uid_validity = EXCLUDED.uid_validity, last_synced_at = EXCLUDED.last_synced_at
	`
	if _, err := r.db.ExecContext(ctx, query, f.AccountID, f.Name, int64(f.UIDValidity), f.LastSyncedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListFolders returns every synced folder of an account.
func (r *PostgresRepository) ListFolders(ctx context.Context, accountID string) ([]*models.Folder, error) {
	query := `SELECT account_id, folder, uid_validity, last_synced_at FROM folders WHERE account_id = $1 ORDER BY folder`

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Folder
	for rows.Next() {
		f := &models.Folder{}
		var uv int64
		if err := rows.Scan(&f.AccountID, &f.Name, &uv, &f.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		f.UIDValidity = uint32(uv)
		result = append(result, f)
	}
	return result, rows.Err()
}

// DeleteFolder forgets a folder that no longer exists on the server.
func (r *PostgresRepository) DeleteFolder(ctx context.Context, accountID, folder string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM folder_state WHERE account_id = $1 AND folder = $2`, accountID, folder); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM folders WHERE account_id = $1 AND folder = $2`, accountID, folder); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
