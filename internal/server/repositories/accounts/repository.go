package accounts

import (
	"context"

	"github.com/dmitrijs2005/mailvault/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, acct *models.MailAccount) error
	Get(ctx context.Context, id string) (*models.MailAccount, error)
	FindByHashes(ctx context.Context, userID string, serverHash, usernameHash []byte) (*models.MailAccount, error)
	ListByUser(ctx context.Context, userID string) ([]*models.MailAccount, error)
	UpdateCredentials(ctx context.Context, acct *models.MailAccount) error
	Delete(ctx context.Context, id string) error
}
