package jobs

import (
	"context"
	"time"
)

func (o *Orchestrator) janitor() {
	ticker := time.NewTicker(o.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-ticker.C:
			if _, err := o.Sweep(o.baseCtx); err != nil {
				o.logger.Warn(o.baseCtx, "job cleanup failed", "error", err)
			}
		}
	}
}

// Sweep forgets finished jobs older than the retention window, both in
// memory and in the archive, and returns how many archived records went.
func (o *Orchestrator) Sweep(ctx context.Context) (int64, error) {
	cutoff := o.now().Add(-o.opts.Retention)

	o.mu.Lock()
	for id, j := range o.jobs {
		if j.rec.State.Terminal() && j.rec.FinishedAt != nil && j.rec.FinishedAt.Before(cutoff) {
			delete(o.jobs, id)
		}
	}
	o.mu.Unlock()

	if o.repomanager == nil {
		return 0, nil
	}
	n, err := o.repomanager.SyncJobs(o.db).DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Debug(ctx, "archived jobs removed", "count", n)
	}
	return n, nil
}
