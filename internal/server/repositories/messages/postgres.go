// Package messages provides PostgreSQL-backed storage for mirrored,
// field-encrypted messages.
package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/dbx"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
)

// PostgresRepository implements message storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert stores a message keyed by (account, folder, uid). A re-fetched
// message keeps its id; its content columns are replaced.
func (r *PostgresRepository) Upsert(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (id, account_id, folder, uid, flags, message_id_hash, sender_enc, subject_enc,
			body_enc, body_storage_key, embedding, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account_id, folder, uid)
		DO UPDATE SET
			flags = EXCLUDED.flags,
			message_id_hash = EXCLUDED.message_id_hash,
			sender_enc = EXCLUDED.sender_enc,
			subject_enc = EXCLUDED.subject_enc,
			body_enc = EXCLUDED.body_enc,
			body_storage_key = EXCLUDED.body_storage_key,
			embedding = EXCLUDED.embedding,
			received_at = EXCLUDED.received_at
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		msg.ID, msg.AccountID, msg.Folder, int64(msg.UID), int32(msg.Flags), msg.MessageIDHash,
		msg.SenderEnc, msg.SubjectEnc, msg.BodyEnc, msg.BodyStorageKey, msg.Embedding, msg.ReceivedAt,
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// UpdateFlags applies flag changes in one statement.
func (r *PostgresRepository) UpdateFlags(ctx context.Context, accountID, folder string, updates map[mailbox.UID]mailbox.Flags) error {
	if len(updates) == 0 {
		return nil
	}
	uids := make([]int64, 0, len(updates))
	for uid := range updates {
		uids = append(uids, int64(uid))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	flags := make([]int32, len(uids))
	for i, uid := range uids {
		flags[i] = int32(updates[mailbox.UID(uid)])
	}

	query := `
		UPDATE messages m SET flags = u.flags
		FROM unnest($3::bigint[], $4::int[]) AS u(uid, flags)
		WHERE m.account_id = $1 AND m.folder = $2 AND m.uid = u.uid
	`
	if _, err := r.db.ExecContext(ctx, query, accountID, folder, uids, flags); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// DeleteByUIDs removes messages and returns the object-storage keys of any
// offloaded bodies so the caller can clean them up.
func (r *PostgresRepository) DeleteByUIDs(ctx context.Context, accountID, folder string, uids []mailbox.UID) ([]string, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	arg := make([]int64, len(uids))
	for i, u := range uids {
		arg[i] = int64(u)
	}

	query := `
		DELETE FROM messages WHERE account_id = $1 AND folder = $2 AND uid = ANY($3::bigint[])
		RETURNING body_storage_key
	`
	return r.deleteReturningKeys(ctx, query, accountID, folder, arg)
}

// DeleteFolder removes every message of a folder and returns the storage
// keys of offloaded bodies.
func (r *PostgresRepository) DeleteFolder(ctx context.Context, accountID, folder string) ([]string, error) {
	query := `DELETE FROM messages WHERE account_id = $1 AND folder = $2 RETURNING body_storage_key`
	return r.deleteReturningKeys(ctx, query, accountID, folder)
}

func (r *PostgresRepository) deleteReturningKeys(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if k != "" {
			keys = append(keys, k)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return keys, nil
}

const selectMessage = `SELECT id, account_id, folder, uid, flags, message_id_hash, sender_enc, subject_enc,
		body_enc, body_storage_key, embedding, received_at FROM messages`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*models.Message, error) {
	var m models.Message
	var uid int64
	var flags int32
	if err := s.Scan(&m.ID, &m.AccountID, &m.Folder, &uid, &flags, &m.MessageIDHash, &m.SenderEnc, &m.SubjectEnc,
		&m.BodyEnc, &m.BodyStorageKey, &m.Embedding, &m.ReceivedAt); err != nil {
		return nil, err
	}
	m.UID = mailbox.UID(uid)
	m.Flags = mailbox.Flags(flags)
	return &m, nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns one message of accountID.
func (r *PostgresRepository) Get(ctx context.Context, accountID, id string) (*models.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, selectMessage+` WHERE account_id = $1 AND id = $2`, accountID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

// List pages through a folder newest first.
func (r *PostgresRepository) List(ctx context.Context, accountID, folder string, limit, offset int) ([]*models.Message, error) {
	return r.list(ctx, selectMessage+` WHERE account_id = $1 AND folder = $2 ORDER BY received_at DESC, uid DESC LIMIT $3 OFFSET $4`,
		accountID, folder, limit, offset)
}

// FindByMessageIDHash returns every copy of a message across folders.
func (r *PostgresRepository) FindByMessageIDHash(ctx context.Context, accountID string, hash []byte) ([]*models.Message, error) {
	return r.list(ctx, selectMessage+` WHERE account_id = $1 AND message_id_hash = $2 ORDER BY folder, uid`, accountID, hash)
}
