package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/cryptox"
	"github.com/dmitrijs2005/mailvault/internal/dbx"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/blobstore"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// AccountService manages registered mail accounts. Credentials only leave
// it decrypted through LoadCredentials; the DEK is never exposed.
type AccountService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	blobs       blobstore.Store
	logger      logging.Logger
}

func NewAccountService(db *sql.DB, m repomanager.RepositoryManager, blobs blobstore.Store, logger logging.Logger) *AccountService {
	return &AccountService{
		db:          db,
		repomanager: m,
		blobs:       blobs,
		logger:      logger.With("module", "accounts"),
	}
}

// normalizeServer lowercases host names so lookups do not depend on case.
func normalizeServer(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func normalizeUsername(s string) string { return strings.TrimSpace(s) }

// EncryptCredential encrypts one credential field.
func EncryptCredential(keys *cryptox.FieldCipher, value string) ([]byte, error) {
	return keys.EncryptString(value)
}

// DecryptCredential reverses EncryptCredential.
func DecryptCredential(keys *cryptox.FieldCipher, ciphertext []byte) (string, error) {
	return keys.DecryptString(ciphertext)
}

// HashCredential is the keyed equality hash used for lookups.
func HashCredential(keys *cryptox.FieldCipher, value string) ([]byte, error) {
	return keys.HashString(value)
}

func sealCredentials(keys *cryptox.FieldCipher, acct *models.MailAccount, creds mailbox.Credentials) error {
	server, username := normalizeServer(creds.Server), normalizeUsername(creds.Username)

	var err error
	if acct.ServerEnc, err = EncryptCredential(keys, server); err != nil {
		return err
	}
	if acct.UsernameEnc, err = EncryptCredential(keys, username); err != nil {
		return err
	}
	if acct.PasswordEnc, err = EncryptCredential(keys, creds.Password); err != nil {
		return err
	}
	if acct.ServerHash, err = HashCredential(keys, server); err != nil {
		return err
	}
	if acct.UsernameHash, err = HashCredential(keys, username); err != nil {
		return err
	}
	if acct.PasswordHash, err = HashCredential(keys, creds.Password); err != nil {
		return err
	}
	acct.TLSMode = creds.TLSMode
	if acct.TLSMode == "" {
		acct.TLSMode = mailbox.TLSImplicit
	}
	return nil
}

func validateCredentials(creds mailbox.Credentials) error {
	if normalizeServer(creds.Server) == "" || normalizeUsername(creds.Username) == "" {
		return fmt.Errorf("%w: server and username are required", common.ErrPermanentConfiguration)
	}
	switch creds.TLSMode {
	case "", mailbox.TLSImplicit, mailbox.TLSStartTLS, mailbox.TLSNone:
		return nil
	default:
		return fmt.Errorf("%w: unknown tls mode %q", common.ErrPermanentConfiguration, creds.TLSMode)
	}
}

// CreateAccount stores encrypted and hashed credentials for userID.
func (s *AccountService) CreateAccount(ctx context.Context, userID string, keys *cryptox.FieldCipher, creds mailbox.Credentials) (*models.MailAccount, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}
	acct := &models.MailAccount{ID: uuid.NewString(), UserID: userID}
	if err := sealCredentials(keys, acct, creds); err != nil {
		return nil, err
	}
	if err := s.repomanager.Accounts(s.db).Create(ctx, acct); err != nil {
		return nil, fmt.Errorf("error creating account: %w", err)
	}
	s.logger.Info(ctx, "account created", "account_id", acct.ID, "username", logging.MaskEmail(creds.Username))
	return acct, nil
}

// FindAccount looks an account up by server and username without
// decrypting anything: both are compared by keyed hash.
func (s *AccountService) FindAccount(ctx context.Context, userID string, keys *cryptox.FieldCipher, server, username string) (*models.MailAccount, error) {
	serverHash, err := HashCredential(keys, normalizeServer(server))
	if err != nil {
		return nil, err
	}
	usernameHash, err := HashCredential(keys, normalizeUsername(username))
	if err != nil {
		return nil, err
	}
	return s.repomanager.Accounts(s.db).FindByHashes(ctx, userID, serverHash, usernameHash)
}

// ListAccounts returns userID's accounts, still encrypted.
func (s *AccountService) ListAccounts(ctx context.Context, userID string) ([]*models.MailAccount, error) {
	return s.repomanager.Accounts(s.db).ListByUser(ctx, userID)
}

// GetAccount returns an account owned by userID. Someone else's account is
// reported as not found.
func (s *AccountService) GetAccount(ctx context.Context, userID, accountID string) (*models.MailAccount, error) {
	acct, err := s.repomanager.Accounts(s.db).Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, common.ErrorNotFound
	}
	return acct, nil
}

// LoadCredentials decrypts an account's connection details.
func (s *AccountService) LoadCredentials(ctx context.Context, userID, accountID string, keys *cryptox.FieldCipher) (mailbox.Credentials, error) {
	acct, err := s.GetAccount(ctx, userID, accountID)
	if err != nil {
		return mailbox.Credentials{}, err
	}
	return OpenCredentials(keys, acct)
}

// OpenCredentials decrypts the credential fields of acct.
func OpenCredentials(keys *cryptox.FieldCipher, acct *models.MailAccount) (mailbox.Credentials, error) {
	server, err := DecryptCredential(keys, acct.ServerEnc)
	if err != nil {
		return mailbox.Credentials{}, fmt.Errorf("server: %w", err)
	}
	username, err := DecryptCredential(keys, acct.UsernameEnc)
	if err != nil {
		return mailbox.Credentials{}, fmt.Errorf("username: %w", err)
	}
	password, err := DecryptCredential(keys, acct.PasswordEnc)
	if err != nil {
		return mailbox.Credentials{}, fmt.Errorf("password: %w", err)
	}
	return mailbox.Credentials{Server: server, Username: username, Password: password, TLSMode: acct.TLSMode}, nil
}

// ReencryptAccount replaces an account's credentials, for example after a
// password change on the mail server. Fresh nonces are used; hashes of
// unchanged values stay identical.
func (s *AccountService) ReencryptAccount(ctx context.Context, userID, accountID string, keys *cryptox.FieldCipher, creds mailbox.Credentials) error {
	if err := validateCredentials(creds); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Accounts(tx)
		acct, err := repo.Get(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.UserID != userID {
			return common.ErrorNotFound
		}
		if err := sealCredentials(keys, acct, creds); err != nil {
			return err
		}
		return repo.UpdateCredentials(ctx, acct)
	})
}

// DeleteAccount removes an account with its mirrored messages and
// offloaded bodies.
func (s *AccountService) DeleteAccount(ctx context.Context, userID, accountID string) error {
	var orphaned []string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		acct, err := s.repomanager.Accounts(tx).Get(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.UserID != userID {
			return common.ErrorNotFound
		}

		folders, err := s.repomanager.FolderState(tx).ListFolders(ctx, accountID)
		if err != nil {
			return err
		}
		for _, f := range folders {
			keys, err := s.repomanager.Messages(tx).DeleteFolder(ctx, accountID, f.Name)
			if err != nil {
				return err
			}
			orphaned = append(orphaned, keys...)
			if err := s.repomanager.FolderState(tx).DeleteFolder(ctx, accountID, f.Name); err != nil {
				return err
			}
		}
		return s.repomanager.Accounts(tx).Delete(ctx, accountID)
	})
	if err != nil {
		return fmt.Errorf("error deleting account: %w", err)
	}

	for _, key := range orphaned {
		if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, common.ErrorNotFound) {
			s.logger.Warn(ctx, "failed to delete body blob", "account_id", accountID, "error", err)
		}
	}
	return nil
}
