package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/cryptox"
	"github.com/dmitrijs2005/mailvault/internal/dbx"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/blobstore"
	"github.com/dmitrijs2005/mailvault/internal/server/downstream"
	"github.com/dmitrijs2005/mailvault/internal/server/embedding"
	"github.com/dmitrijs2005/mailvault/internal/server/metrics"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/google/uuid"
)

func persistenceError(folder string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, common.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: folder %s: %w", common.ErrPersistence, folder, err)
}

// seal encrypts a fetched message into its stored form. Large bodies are
// uploaded to the blob store; their keys are returned for cleanup should
// the transaction fail.
func (p *Pipeline) seal(ctx context.Context, accountID, folder string, keys *cryptox.FieldCipher, fm fetchedMessage) (*models.Message, string, error) {
	row := &models.Message{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Folder:     folder,
		UID:        fm.msg.UID,
		Flags:      fm.msg.Flags,
		Embedding:  embedding.Encode(fm.vector),
		ReceivedAt: fm.msg.InternalDate,
	}
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = fm.parsed.Date
	}
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = time.Now()
	}
	var err error
	if id := mailbox.NormalizeMessageID(fm.parsed.MessageID); id != "" {
		if row.MessageIDHash, err = keys.HashString(id); err != nil {
			return nil, "", err
		}
	}
	if row.SenderEnc, err = keys.EncryptString(fm.parsed.From); err != nil {
		return nil, "", err
	}
	if row.SubjectEnc, err = keys.EncryptString(fm.parsed.Subject); err != nil {
		return nil, "", err
	}
	body, err := keys.EncryptString(fm.parsed.Text)
	if err != nil {
		return nil, "", err
	}

	if p.blobs == nil || p.opts.BlobThreshold <= 0 || len(body) <= p.opts.BlobThreshold {
		row.BodyEnc = body
		return row, "", nil
	}
	key := blobstore.NewStorageKey(accountID)
	if err := p.blobs.Put(ctx, key, body); err != nil {
		return nil, "", fmt.Errorf("%w: store body: %w", common.ErrPersistence, err)
	}
	row.BodyStorageKey = key
	metrics.BlobsOffloaded.Inc()
	return row, key, nil
}

// persistMessages commits each folder in its own transaction: removed
// messages, new messages, flag changes and the replaced folder state land
// together or not at all.
func (p *Pipeline) persistMessages(ctx context.Context, req Request, keys *cryptox.FieldCipher,
	work []*folderWork, vanished []string, report ProgressFunc, errs *runErrors) (int, error) {

	var (
		orphaned  []string
		storedIDs []string
		embedded  int
		offloaded int
	)

	for i, w := range work {
		plan := w.plan

		rows := make([]*models.Message, 0, len(w.fetched))
		var uploaded []string
		for _, fm := range w.fetched {
			row, key, err := p.seal(ctx, req.AccountID, plan.Folder, keys, fm)
			if err != nil {
				p.deleteBlobs(ctx, uploaded, nil)
				return 0, persistenceError(plan.Folder, err)
			}
			if key != "" {
				uploaded = append(uploaded, key)
			}
			rows = append(rows, row)
		}

		var removed []string
		err := dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			msgs := p.repomanager.Messages(tx)

			gone, err := msgs.DeleteByUIDs(ctx, req.AccountID, plan.Folder, plan.Deletions)
			if err != nil {
				return err
			}
			removed = gone

			for _, row := range rows {
				if err := msgs.Upsert(ctx, row); err != nil {
					return err
				}
			}
			if err := msgs.UpdateFlags(ctx, req.AccountID, plan.Folder, plan.Updates); err != nil {
				return err
			}
			return p.reconciler.Apply(ctx, tx, plan, w.pending)
		})
		if err != nil {
			p.deleteBlobs(ctx, uploaded, nil)
			return 0, persistenceError(plan.Folder, err)
		}

		orphaned = append(orphaned, removed...)
		offloaded += len(uploaded)
		for _, row := range rows {
			storedIDs = append(storedIDs, row.ID)
			if len(row.Embedding) > 0 {
				embedded++
			}
		}
		report(PersistProgress{FolderIndex: i + 1, FolderTotal: len(work), Folder: plan.Folder, Stored: len(rows)})
	}

	for _, folder := range vanished {
		err := dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			gone, err := p.repomanager.Messages(tx).DeleteFolder(ctx, req.AccountID, folder)
			if err != nil {
				return err
			}
			orphaned = append(orphaned, gone...)
			return p.repomanager.FolderState(tx).DeleteFolder(ctx, req.AccountID, folder)
		})
		if err != nil {
			return 0, persistenceError(folder, err)
		}
		p.logger.Info(ctx, "folder removed from server, dropped locally", "account_id", req.AccountID, "folder", folder)
	}

	if p.trigger != nil && len(storedIDs) > 0 {
		p.trigger.Trigger(ctx, downstream.Batch{
			AccountID:  req.AccountID,
			UserID:     req.UserID,
			MessageIDs: storedIDs,
			Embedded:   embedded,
		})
	}
	p.deleteBlobs(ctx, orphaned, errs)
	return offloaded, nil
}

// deleteBlobs is best effort: a leftover blob is unreachable ciphertext.
func (p *Pipeline) deleteBlobs(ctx context.Context, keys []string, errs *runErrors) {
	if p.blobs == nil {
		return
	}
	for _, key := range keys {
		if err := p.blobs.Delete(context.WithoutCancel(ctx), key); err != nil && !errors.Is(err, common.ErrorNotFound) {
			p.logger.Warn(ctx, "failed to delete body blob", "key", key, "error", err)
			errs.add("blob %s: delete failed: %v", key, err)
		}
	}
}
