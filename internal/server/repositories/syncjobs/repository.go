package syncjobs

import (
	"context"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/server/models"
)

type Repository interface {
	Save(ctx context.Context, job *models.SyncJob) error
	Get(ctx context.Context, id string) (*models.SyncJob, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.SyncJob, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
