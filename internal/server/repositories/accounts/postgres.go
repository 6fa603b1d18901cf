// Package accounts provides PostgreSQL-backed storage for registered mail
// accounts. Credentials arrive already encrypted and hashed.
package accounts

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

// PostgresRepository implements account storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts acct. A second account with the same server and username
// hashes for the same user returns common.ErrAlreadyExists.
func (r *PostgresRepository) Create(ctx context.Context, acct *models.MailAccount) error {
	query := `
		INSERT INTO mail_accounts (id, user_id, server_enc, server_hash, username_enc, username_hash, password_enc, password_hash, tls_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		acct.ID, acct.UserID, acct.ServerEnc, acct.ServerHash, acct.UsernameEnc, acct.UsernameHash,
		acct.PasswordEnc, acct.PasswordHash, string(acct.TLSMode),
	).Scan(&acct.CreatedAt)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const selectAccount = `SELECT id, user_id, server_enc, server_hash, username_enc, username_hash, password_enc, password_hash, tls_mode, created_at
		FROM mail_accounts`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*models.MailAccount, error) {
	var a models.MailAccount
	var mode string
	if err := s.Scan(&a.ID, &a.UserID, &a.ServerEnc, &a.ServerHash, &a.UsernameEnc, &a.UsernameHash,
		&a.PasswordEnc, &a.PasswordHash, &mode, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.TLSMode = mailbox.TLSMode(mode)
	return &a, nil
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*models.MailAccount, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

// Get returns the account with the given id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.MailAccount, error) {
	return r.getOne(ctx, selectAccount+` WHERE id = $1`, id)
}

// FindByHashes looks an account up by its keyed server and username hashes.
func (r *PostgresRepository) FindByHashes(ctx context.Context, userID string, serverHash, usernameHash []byte) (*models.MailAccount, error) {
	return r.getOne(ctx, selectAccount+` WHERE user_id = $1 AND server_hash = $2 AND username_hash = $3`,
		userID, serverHash, usernameHash)
}

// ListByUser returns all accounts of userID, oldest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*models.MailAccount, error) {
	rows, err := r.db.QueryContext(ctx, selectAccount+` WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select accounts: %w", err)
	}
	defer rows.Close()

	var result []*models.MailAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateCredentials replaces the encrypted and hashed credential columns.
func (r *PostgresRepository) UpdateCredentials(ctx context.Context, acct *models.MailAccount) error {
	query := `
		UPDATE mail_accounts SET server_enc = $2, server_hash = $3, username_enc = $4, username_hash = $5,
			password_enc = $6, password_hash = $7, tls_mode = $8
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, acct.ID, acct.ServerEnc, acct.ServerHash, acct.UsernameEnc,
		acct.UsernameHash, acct.PasswordEnc, acct.PasswordHash, string(acct.TLSMode))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

// Delete removes an account; messages and folder markers cascade.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM mail_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrorNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}
