package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/metrics"
	"github.com/dmitrijs2005/mailvault/internal/server/reconcile"
	"golang.org/x/sync/errgroup"
)

// selectFolders returns the folders to sync and, for a full sync, the
// stored folders the server no longer has.
func (p *Pipeline) selectFolders(ctx context.Context, req Request, client mailbox.Client) ([]string, []string, error) {
	if len(req.Folders) > 0 {
		seen := make(map[string]struct{}, len(req.Folders))
		var out []string
		for _, f := range req.Folders {
			if _, dup := seen[f]; dup || f == "" {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
		return out, nil, nil
	}

	remote, err := client.ListFolders(ctx)
	if err != nil {
		return nil, nil, mailbox.Classify(err)
	}
	present := make(map[string]struct{}, len(remote))
	for _, f := range remote {
		present[f] = struct{}{}
	}

	stored, err := p.repomanager.FolderState(p.db).ListFolders(ctx, req.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}
	var vanished []string
	for _, f := range stored {
		if _, ok := present[f.Name]; !ok {
			vanished = append(vanished, f.Name)
		}
	}
	return remote, vanished, nil
}

// reconcileState plans every folder. Folders are spread over up to
// FolderParallelism sessions; the first reuses client, the others dial
// their own because a session serves one goroutine at a time. On a full
// sync a folder deleted on the server after LIST is skipped; the next full
// sync drops it locally.
func (p *Pipeline) reconcileState(ctx context.Context, req Request, creds mailbox.Credentials,
	client mailbox.Client, report ProgressFunc, errs *runErrors) ([]*folderWork, []string, error) {

	folders, vanished, err := p.selectFolders(ctx, req, client)
	if err != nil {
		return nil, nil, err
	}

	work := make([]*folderWork, len(folders))
	workers := min(p.opts.FolderParallelism, len(folders))

	g, gctx := errgroup.WithContext(ctx)
	next := make(chan int)
	g.Go(func() error {
		defer close(next)
		for i := range folders {
			select {
			case next <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			session := client
			if w > 0 {
				c, err := p.dialer.Dial(gctx, creds)
				if err != nil {
					return mailbox.Classify(err)
				}
				defer c.Close()
				session = c
			}

			for i := range next {
				folder := folders[i]
				plan, err := p.reconciler.Plan(gctx, session, req.AccountID, folder, func(lp reconcile.ListProgress) {
					report(ReconcileProgress{
						FolderIndex: i + 1,
						FolderTotal: len(folders),
						Folder:      folder,
						Listed:      lp.Listed,
						Total:       lp.Total,
					})
				})
				if err != nil {
					if len(req.Folders) == 0 && errors.Is(err, mailbox.ErrNoSuchFolder) {
						p.logger.Warn(gctx, "folder disappeared during sync, skipping",
							"account_id", req.AccountID, "folder", folder)
						errs.add("folder %s: disappeared during sync", folder)
						continue
					}
					return err
				}
				work[i] = &folderWork{plan: plan}

				res := plan.Result()
				metrics.ReconcileChanges.WithLabelValues("inserted").Add(float64(res.Inserted))
				metrics.ReconcileChanges.WithLabelValues("deleted").Add(float64(res.Deleted))
				metrics.ReconcileChanges.WithLabelValues("updated").Add(float64(res.Updated))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	planned := work[:0]
	for _, w := range work {
		if w != nil {
			planned = append(planned, w)
		}
	}
	return planned, vanished, nil
}
