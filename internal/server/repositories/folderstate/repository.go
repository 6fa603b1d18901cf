package folderstate

import (
	"context"

	"github.com/dmitrijs2005/mailvault/internal/server/models"
)

// Repository is the mailbox state store: the last seen listing of every
// folder plus the UIDVALIDITY epoch it belongs to.
type Repository interface {
	Snapshot(ctx context.Context, accountID, folder string) ([]models.FolderStateEntry, error)
	Replace(ctx context.Context, accountID, folder string, entries []models.FolderStateEntry) error
	GetFolder(ctx context.Context, accountID, folder string) (*models.Folder, error)
	SaveFolder(ctx context.Context, f *models.Folder) error
	ListFolders(ctx context.Context, accountID string) ([]*models.Folder, error)
	DeleteFolder(ctx context.Context, accountID, folder string) error
}
