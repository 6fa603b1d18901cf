// Package services contains server-side business logic. VaultService owns
// the key hierarchy: it registers users, unlocks their DEK into a
// FieldCipher and rotates the user secret.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/cryptox"
	"github.com/dmitrijs2005/mailvault/internal/dbx"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/server/auth"
	"github.com/dmitrijs2005/mailvault/internal/server/config"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

type VaultService struct {
	db                          *sql.DB
	repomanager                 repomanager.RepositoryManager
	kdf                         cryptox.KDFParams
	jwtSecret                   []byte
	accessTokenValidityDuration time.Duration
	logger                      logging.Logger
}

func NewVaultService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, logger logging.Logger) *VaultService {
	return &VaultService{
		db:                          db,
		repomanager:                 m,
		kdf:                         cfg.KDFParams(),
		jwtSecret:                   []byte(cfg.SecretKey),
		accessTokenValidityDuration: cfg.AccessTokenValidityDuration,
		logger:                      logger.With("module", "vault"),
	}
}

// Register creates a user with a fresh DEK wrapped under a KEK derived from
// secret. The secret itself is not stored.
func (s *VaultService) Register(ctx context.Context, username string, secret []byte) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(secret) == 0 {
		return nil, fmt.Errorf("%w: username and secret are required", common.ErrPermanentConfiguration)
	}

	user := &models.User{
		ID:       uuid.NewString(),
		UserName: username,
		Salt:     cryptox.NewSalt(),
		KDF:      s.kdf,
	}

	kek := cryptox.DeriveKEK(secret, user.Salt, user.KDF)
	defer common.WipeByteArray(kek)
	dek := cryptox.GenerateDEK()
	defer common.WipeByteArray(dek)

	wrapped, err := cryptox.WrapDEK(dek, kek, []byte(user.ID))
	if err != nil {
		return nil, fmt.Errorf("wrap dek: %w", err)
	}
	user.WrappedDEK = wrapped

	u, err := s.repomanager.Users(s.db).Create(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("error creating user: %w", err)
	}
	s.logger.Info(ctx, "user registered", "user_id", u.ID)
	return u, nil
}

// Unlock derives the KEK, unwraps the DEK and returns a cipher owning a copy
// of it. A wrong secret and an unknown user both yield
// common.ErrAuthentication. The caller must Wipe the cipher.
func (s *VaultService) Unlock(ctx context.Context, userID string, secret []byte) (*cryptox.FieldCipher, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrAuthentication
		}
		return nil, fmt.Errorf("error loading user: %w", err)
	}
	return unlockUser(user, secret)
}

func unlockUser(user *models.User, secret []byte) (*cryptox.FieldCipher, error) {
	kek := cryptox.DeriveKEK(secret, user.Salt, user.KDF)
	defer common.WipeByteArray(kek)

	dek, err := cryptox.UnwrapDEK(user.WrappedDEK, kek, []byte(user.ID))
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	return cryptox.NewFieldCipher(dek)
}

// Login checks secret for username and issues an access token carrying the
// user id.
func (s *VaultService) Login(ctx context.Context, username string, secret []byte) (string, string, error) {
	user, err := s.repomanager.Users(s.db).GetByUserName(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return "", "", common.ErrorUnauthorized
		}
		return "", "", common.ErrorInternal
	}

	keys, err := unlockUser(user, secret)
	if err != nil {
		if errors.Is(err, common.ErrAuthentication) {
			return "", "", common.ErrorUnauthorized
		}
		return "", "", common.ErrorInternal
	}
	keys.Wipe()

	token, err := auth.GenerateToken(user.ID, s.jwtSecret, s.accessTokenValidityDuration)
	if err != nil {
		return "", "", common.ErrorInternal
	}
	return user.ID, token, nil
}

// RotateSecret re-wraps the DEK under a KEK derived from newSecret with a
// fresh salt and the current work factor. Nothing encrypted under the DEK
// changes.
func (s *VaultService) RotateSecret(ctx context.Context, userID string, oldSecret, newSecret []byte) error {
	if len(newSecret) == 0 {
		return fmt.Errorf("%w: new secret is empty", common.ErrPermanentConfiguration)
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByID(ctx, userID)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return common.ErrAuthentication
			}
			return fmt.Errorf("error loading user: %w", err)
		}

		oldKEK := cryptox.DeriveKEK(oldSecret, user.Salt, user.KDF)
		defer common.WipeByteArray(oldKEK)

		salt := cryptox.NewSalt()
		newKEK := cryptox.DeriveKEK(newSecret, salt, s.kdf)
		defer common.WipeByteArray(newKEK)

		wrapped, err := cryptox.RewrapDEK(user.WrappedDEK, oldKEK, newKEK, []byte(user.ID))
		if err != nil {
			return err
		}

		user.Salt, user.KDF, user.WrappedDEK = salt, s.kdf, wrapped
		if err := repo.UpdateKeyMaterial(ctx, user); err != nil {
			return fmt.Errorf("error updating key material: %w", err)
		}
		s.logger.Info(ctx, "user secret rotated", "user_id", user.ID)
		return nil
	})
}
