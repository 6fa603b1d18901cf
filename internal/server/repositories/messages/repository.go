package messages

import (
	"context"

	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
)

type Repository interface {
	Upsert(ctx context.Context, msg *models.Message) error
	UpdateFlags(ctx context.Context, accountID, folder string, updates map[mailbox.UID]mailbox.Flags) error
	DeleteByUIDs(ctx context.Context, accountID, folder string, uids []mailbox.UID) ([]string, error)
	DeleteFolder(ctx context.Context, accountID, folder string) ([]string, error)
	Get(ctx context.Context, accountID, id string) (*models.Message, error)
	List(ctx context.Context, accountID, folder string, limit, offset int) ([]*models.Message, error)
	FindByMessageIDHash(ctx context.Context, accountID string, hash []byte) ([]*models.Message, error)
}
