// Package pipeline runs one sync of one mail account:
// ReconcileState, FetchNewMessages, PersistMessages and Finalize, strictly
// in that order. Every run starts from the first phase and is idempotent
// with respect to stored state, so a failed run can simply be repeated.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/cryptox"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/blobstore"
	"github.com/dmitrijs2005/mailvault/internal/server/downstream"
	"github.com/dmitrijs2005/mailvault/internal/server/embedding"
	"github.com/dmitrijs2005/mailvault/internal/server/reconcile"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mailvault/internal/server/services"
	"github.com/dmitrijs2005/mailvault/internal/timex"
)

// Request selects what to sync.
type Request struct {
	AccountID string
	UserID    string
	// Folders limits the run to these folders; empty means every selectable
	// folder, and folders gone from the server are dropped locally.
	Folders []string
	// MaxMessages caps downloads in this run; 0 uses the default.
	MaxMessages int
}

type Options struct {
	Reconcile         reconcile.Options
	FolderParallelism int
	// FetchRate is in messages per second; 0 disables pacing.
	FetchRate  float64
	FetchBurst int
	FetchBatch int
	// BlobThreshold is the encrypted body size above which bodies go to
	// the blob store; 0 keeps every body inline.
	BlobThreshold int
	MaxMessages   int
}

type Pipeline struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	reconciler  *reconcile.Reconciler
	dialer      mailbox.Dialer
	blobs       blobstore.Store
	embedders   *embedding.Cache
	trigger     downstream.Trigger
	opts        Options
	logger      logging.Logger
}

func New(db *sql.DB, m repomanager.RepositoryManager, dialer mailbox.Dialer, blobs blobstore.Store,
	embedders *embedding.Cache, trigger downstream.Trigger, opts Options, logger logging.Logger) *Pipeline {
	if opts.FolderParallelism <= 0 {
		opts.FolderParallelism = 1
	}
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 25
	}
	return &Pipeline{
		db:          db,
		repomanager: m,
		reconciler:  reconcile.New(db, m, opts.Reconcile, logger),
		dialer:      dialer,
		blobs:       blobs,
		embedders:   embedders,
		trigger:     trigger,
		opts:        opts,
		logger:      logger.With("module", "pipeline"),
	}
}

// folderWork carries one folder through the phases.
type folderWork struct {
	plan    *reconcile.Plan
	fetched []fetchedMessage
	// pending are insertions whose content was not fetched in this run.
	pending []mailbox.UID
}

type fetchedMessage struct {
	msg    mailbox.Message
	parsed mailbox.Parsed
	vector []float32
}

// Run executes all phases. keys stays owned by the caller. A run that
// could only fetch part of the new messages persists that part and then
// returns common.ErrTransientNetwork together with the stats.
func (p *Pipeline) Run(ctx context.Context, req Request, keys *cryptox.FieldCipher, progress ProgressFunc) (SyncStats, error) {
	start := time.Now()
	report := serialize(progress)
	log := p.logger.With("account_id", req.AccountID)
	errs := &runErrors{}

	if err := ctx.Err(); err != nil {
		return SyncStats{}, err
	}

	creds, err := p.credentials(ctx, req, keys)
	if err != nil {
		return SyncStats{}, err
	}
	client, err := p.dialer.Dial(ctx, creds)
	if err != nil {
		return SyncStats{}, mailbox.Classify(err)
	}
	defer client.Close()

	log.Debug(ctx, "phase started", "phase", PhaseReconcileState)
	work, vanished, err := p.reconcileState(ctx, req, creds, client, report, errs)
	if err != nil {
		return SyncStats{}, err
	}
	if err := ctx.Err(); err != nil {
		return SyncStats{}, err
	}

	log.Debug(ctx, "phase started", "phase", PhaseFetchNewMessages)
	partial, err := p.fetchNewMessages(ctx, req, client, work, report, errs)
	if err != nil {
		return SyncStats{}, err
	}
	if err := ctx.Err(); err != nil {
		return SyncStats{}, err
	}

	log.Debug(ctx, "phase started", "phase", PhasePersistMessages)
	offloaded, err := p.persistMessages(ctx, req, keys, work, vanished, report, errs)
	if err != nil {
		return SyncStats{}, err
	}
	if err := ctx.Err(); err != nil {
		return SyncStats{}, err
	}

	stats := p.finalize(work, vanished, offloaded, partial, time.Since(start))
	stats.Errors = errs.result()
	report(FinalizeProgress{Stats: stats})
	log.Info(ctx, "sync finished", "folders", stats.Folders, "fetched", stats.Fetched,
		"deleted", stats.Deleted, "updated", stats.Updated, "pending", stats.Pending, "partial", stats.Partial, "errors", len(stats.Errors))

	if partial {
		return stats, fmt.Errorf("%w: fetched %d of %d new messages before the connection failed",
			common.ErrTransientNetwork, stats.Fetched, stats.Fetched+stats.Pending)
	}
	return stats, nil
}

// credentials loads and decrypts the account's connection details.
func (p *Pipeline) credentials(ctx context.Context, req Request, keys *cryptox.FieldCipher) (mailbox.Credentials, error) {
	acct, err := p.repomanager.Accounts(p.db).Get(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return mailbox.Credentials{}, fmt.Errorf("%w: account %s not found", common.ErrPermanentConfiguration, req.AccountID)
		}
		return mailbox.Credentials{}, fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}
	if acct.UserID != req.UserID {
		return mailbox.Credentials{}, fmt.Errorf("%w: account %s not found", common.ErrPermanentConfiguration, req.AccountID)
	}
	return services.OpenCredentials(keys, acct)
}

func (p *Pipeline) finalize(work []*folderWork, vanished []string, offloaded int, partial bool, took time.Duration) SyncStats {
	stats := SyncStats{
		Folders:        len(work),
		Offloaded:      offloaded,
		RemovedFolders: len(vanished),
		Partial:        partial,
		Duration:       timex.Duration{Duration: took},
	}
	for _, w := range work {
		res := w.plan.Result()
		stats.PerFolder = append(stats.PerFolder, res)
		stats.Messages += res.MessageCount
		stats.Inserted += res.Inserted
		stats.Deleted += res.Deleted
		stats.Updated += res.Updated
		stats.Fetched += len(w.fetched)
		stats.Pending += len(w.pending)
	}
	return stats
}
