// Package users stores per-user key material: KDF salt and parameters and
// the wrapped DEK.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {

	query :=
		`INSERT INTO users (id, username, kdf_salt, kdf_time, kdf_memory, kdf_threads, wrapped_dek)
         VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at
		 `

	err := r.db.QueryRowContext(ctx, query,
		user.ID, user.UserName, user.Salt, int64(user.KDF.Time), int64(user.KDF.MemoryKiB), int64(user.KDF.Threads), user.WrappedDEK,
	).Scan(&user.CreatedAt)

	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return nil, fmt.Errorf("user %q: %w", user.UserName, common.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

const selectUser = `SELECT id, username, kdf_salt, kdf_time, kdf_memory, kdf_threads, wrapped_dek, created_at FROM users`

func scanUser(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	var kdfTime, kdfMemory, kdfThreads int64
	err := row.Scan(&user.ID, &user.UserName, &user.Salt, &kdfTime, &kdfMemory, &kdfThreads, &user.WrappedDEK, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	user.KDF.Time = uint32(kdfTime)
	user.KDF.MemoryKiB = uint32(kdfMemory)
	user.KDF.Threads = uint8(kdfThreads)
	return user, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUser+` WHERE id = $1`, id))
}

func (r *PostgresRepository) GetByUserName(ctx context.Context, userName string) (*models.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUser+` WHERE username = $1`, userName))
}

// UpdateKeyMaterial stores a rotated wrapped DEK together with the salt and
// work factor its KEK was derived with.
func (r *PostgresRepository) UpdateKeyMaterial(ctx context.Context, user *models.User) error {
	query :=
		`UPDATE users SET kdf_salt = $2, kdf_time = $3, kdf_memory = $4, kdf_threads = $5, wrapped_dek = $6
		 WHERE id = $1
		 `

	res, err := r.db.ExecContext(ctx, query,
		user.ID, user.Salt, int64(user.KDF.Time), int64(user.KDF.MemoryKiB), int64(user.KDF.Threads), user.WrappedDEK)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
