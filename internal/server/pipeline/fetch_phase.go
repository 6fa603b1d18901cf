package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/embedding"
	"github.com/dmitrijs2005/mailvault/internal/server/metrics"
	"golang.org/x/time/rate"
)

func (p *Pipeline) limiter() (*rate.Limiter, int) {
	batch := p.opts.FetchBatch
	if p.opts.FetchRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0), batch
	}
	burst := max(p.opts.FetchBurst, 1)
	return rate.NewLimiter(rate.Limit(p.opts.FetchRate), burst), min(batch, burst)
}

func (p *Pipeline) fetchLimit(req Request) int {
	if req.MaxMessages > 0 {
		return req.MaxMessages
	}
	if p.opts.MaxMessages > 0 {
		return p.opts.MaxMessages
	}
	return -1
}

// fetchNewMessages downloads insertions newest first, up to the run's
// message limit. If the server drops mid-way it keeps what arrived and reports
// partial; anything not fetched stays pending.
func (p *Pipeline) fetchNewMessages(ctx context.Context, req Request, client mailbox.Client,
	work []*folderWork, report ProgressFunc, errs *runErrors) (bool, error) {

	limit := p.fetchLimit(req)
	queues := make([][]mailbox.UID, len(work))
	total := 0
	for i, w := range work {
		uids := append([]mailbox.UID(nil), w.plan.Insertions...)
		mailbox.SortUIDsDesc(uids)
		if limit >= 0 {
			uids = uids[:min(len(uids), limit-total)]
		}
		queues[i] = uids
		total += len(uids)
	}

	embedder := p.embedder(ctx, req, errs)
	limiter, batchSize := p.limiter()

	partial := false
	index := 0
fetchLoop:
	for i, w := range work {
		folder := w.plan.Folder
		uids := queues[i]
		for start := 0; start < len(uids); start += batchSize {
			batch := uids[start:min(start+batchSize, len(uids))]
			if err := limiter.WaitN(ctx, len(batch)); err != nil {
				return false, err
			}

			msgs, err := client.Fetch(ctx, folder, batch)
			for _, m := range msgs {
				index++
				w.fetched = append(w.fetched, p.prepare(ctx, embedder, m, errs))
				report(FetchProgress{Folder: folder, MessageIndex: index, MessageTotal: total})
			}
			metrics.MessagesFetched.Add(float64(len(msgs)))

			if err != nil {
				err = mailbox.Classify(err)
				if errors.Is(err, common.ErrTransientNetwork) {
					p.logger.Warn(ctx, "fetch interrupted, keeping partial result",
						"account_id", req.AccountID, "folder", folder, "fetched", index, "error", err)
					errs.add("folder %s: fetch interrupted after %d of %d messages: %v", folder, index, total, err)
					partial = true
					break fetchLoop
				}
				return false, err
			}
		}
	}

	for _, w := range work {
		got := make(map[mailbox.UID]struct{}, len(w.fetched))
		for _, f := range w.fetched {
			got[f.msg.UID] = struct{}{}
		}
		w.pending = w.pending[:0]
		for _, uid := range w.plan.Insertions {
			if _, ok := got[uid]; !ok {
				w.pending = append(w.pending, uid)
			}
		}
	}
	return partial, nil
}

func (p *Pipeline) embedder(ctx context.Context, req Request, errs *runErrors) embedding.Embedder {
	if p.embedders == nil {
		return nil
	}
	e, err := p.embedders.Get(req.UserID)
	if err != nil {
		p.logger.Warn(ctx, "embedder unavailable, storing messages without vectors", "error", err)
		errs.add("embedder unavailable: %v", err)
		return nil
	}
	return e
}

// prepare parses m and computes its vector from the plaintext. A failed
// embedding is recorded and the message is stored without one.
func (p *Pipeline) prepare(ctx context.Context, e embedding.Embedder, m mailbox.Message, errs *runErrors) fetchedMessage {
	fm := fetchedMessage{msg: m, parsed: mailbox.Parse(m.Raw)}
	if e == nil {
		return fm
	}
	text := strings.TrimSpace(fm.parsed.Subject + "\n" + fm.parsed.Text)
	v, err := e.Embed(ctx, text)
	if err != nil {
		p.logger.Warn(ctx, "embedding failed", "uid", m.UID, "error", err)
		errs.add("message uid %d: embedding failed: %v", m.UID, err)
		return fm
	}
	fm.vector = v
	return fm
}
