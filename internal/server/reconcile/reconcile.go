// Package reconcile reduces "what changed on the server" to an edit set by
// diffing the full current listing of a folder against the stored folder
// state. There is no changelog: the stored state of a folder is replaced
// as a whole, inside one transaction.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/dbx"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/repomanager"
)

// Options control how listings are fetched.
type Options struct {
	// BatchSize is the number of sequence numbers listed per request once a
	// folder holds more than BatchThreshold messages.
	BatchSize      int
	BatchThreshold int
}

// ListProgress is reported after every listing batch with cumulative counts.
type ListProgress struct {
	Folder string
	Listed int
	Total  int
}

// ReportFunc receives listing progress. It may be nil.
type ReportFunc func(ListProgress)

// Plan is the edit set for one folder.
type Plan struct {
	AccountID   string
	Folder      string
	UIDValidity uint32

	// FirstSync is set when the folder has no stored marker yet.
	FirstSync bool
	// ValidityChanged means the server renumbered the folder: every stored
	// UID is a deletion and every listed UID an insertion.
	ValidityChanged bool

	// Listing is the complete current listing ordered by UID.
	Listing []models.FolderStateEntry

	Deletions  []mailbox.UID
	Insertions []mailbox.UID
	// Updates maps UIDs present on both sides to their new flags.
	Updates map[mailbox.UID]mailbox.Flags
}

// Changed reports whether applying the plan would alter stored state.
func (p *Plan) Changed() bool {
	return p.FirstSync || p.ValidityChanged ||
		len(p.Deletions) > 0 || len(p.Insertions) > 0 || len(p.Updates) > 0
}

// Flags returns the listed flags of uid.
func (p *Plan) Flags(uid mailbox.UID) mailbox.Flags {
	i := sort.Search(len(p.Listing), func(i int) bool { return p.Listing[i].UID >= uid })
	if i < len(p.Listing) && p.Listing[i].UID == uid {
		return p.Listing[i].Flags
	}
	return 0
}

// Result summarises one reconciled folder.
type Result struct {
	Folder       string `json:"folder"`
	MessageCount int    `json:"message_count"`
	Inserted     int    `json:"inserted"`
	Deleted      int    `json:"deleted"`
	Updated      int    `json:"updated"`
}

// Result derives the summary of p.
func (p *Plan) Result() Result {
	return Result{
		Folder:       p.Folder,
		MessageCount: len(p.Listing),
		Inserted:     len(p.Insertions),
		Deleted:      len(p.Deletions),
		Updated:      len(p.Updates),
	}
}

type Reconciler struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	opts        Options
	logger      logging.Logger
	now         func() time.Time
}

func New(db *sql.DB, m repomanager.RepositoryManager, opts Options, logger logging.Logger) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.BatchThreshold <= 0 {
		opts.BatchThreshold = opts.BatchSize
	}
	return &Reconciler{
		db:          db,
		repomanager: m,
		opts:        opts,
		logger:      logger.With("module", "reconcile"),
		now:         time.Now,
	}
}

// Diff computes the edit set between the stored and the current listing.
// Both inputs may be in any order; outputs are sorted by UID.
func Diff(old, cur []models.FolderStateEntry) (deletions, insertions []mailbox.UID, updates map[mailbox.UID]mailbox.Flags) {
	before := make(map[mailbox.UID]mailbox.Flags, len(old))
	for _, e := range old {
		before[e.UID] = e.Flags
	}
	now := make(map[mailbox.UID]struct{}, len(cur))
	updates = make(map[mailbox.UID]mailbox.Flags)

	for _, e := range cur {
		now[e.UID] = struct{}{}
		f, ok := before[e.UID]
		switch {
		case !ok:
			insertions = append(insertions, e.UID)
		case f != e.Flags:
			updates[e.UID] = e.Flags
		}
	}
	for _, e := range old {
		if _, ok := now[e.UID]; !ok {
			deletions = append(deletions, e.UID)
		}
	}

	sortUIDs(deletions)
	sortUIDs(insertions)
	return deletions, insertions, updates
}

func sortUIDs(u []mailbox.UID) {
	sort.Slice(u, func(i, j int) bool { return u[i] < u[j] })
}

func listingError(folder string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: folder %s: %w", common.ErrReconciliation, folder, err)
}

// list fetches the complete listing of folder. A failure part way through
// discards what was listed so far.
func (r *Reconciler) list(ctx context.Context, lister mailbox.Lister, folder string, report ReportFunc) (mailbox.Status, []models.FolderStateEntry, error) {
	st, err := lister.Status(ctx, folder)
	if err != nil {
		return mailbox.Status{}, nil, listingError(folder, err)
	}

	total := int(st.Messages)
	step := total
	if total > r.opts.BatchThreshold {
		step = r.opts.BatchSize
	}

	seen := make(map[mailbox.UID]struct{}, total)
	listing := make([]models.FolderStateEntry, 0, total)
	for from := 1; from <= total; from += step {
		if err := ctx.Err(); err != nil {
			return mailbox.Status{}, nil, err
		}
		to := min(from+step-1, total)

		batch, err := lister.ListRange(ctx, folder, uint32(from), uint32(to))
		if err != nil {
			return mailbox.Status{}, nil, listingError(folder, err)
		}
		for _, e := range batch {
			if _, dup := seen[e.UID]; dup {
				continue
			}
			seen[e.UID] = struct{}{}
			listing = append(listing, models.FolderStateEntry{UID: e.UID, Flags: e.Flags})
		}

		if report != nil {
			report(ListProgress{Folder: folder, Listed: to, Total: total})
		}
		r.logger.Debug(ctx, "listing batch", "folder", folder, "listed", to, "total", total)
	}

	sort.Slice(listing, func(i, j int) bool { return listing[i].UID < listing[j].UID })
	return st, listing, nil
}

// Plan lists folder and diffs it against the stored state.
func (r *Reconciler) Plan(ctx context.Context, lister mailbox.Lister, accountID, folder string, report ReportFunc) (*Plan, error) {
	st, listing, err := r.list(ctx, lister, folder, report)
	if err != nil {
		return nil, err
	}

	repo := r.repomanager.FolderState(r.db)
	plan := &Plan{AccountID: accountID, Folder: folder, UIDValidity: st.UIDValidity, Listing: listing}

	marker, err := repo.GetFolder(ctx, accountID, folder)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		plan.FirstSync = true
	case err != nil:
		return nil, fmt.Errorf("%w: %w", common.ErrPersistence, err)
	case marker.UIDValidity != st.UIDValidity:
		plan.ValidityChanged = true
	}

	old, err := repo.Snapshot(ctx, accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrPersistence, err)
	}

	if plan.ValidityChanged {
		r.logger.Warn(ctx, "uidvalidity changed, resyncing folder", "folder", folder,
			"old", marker.UIDValidity, "new", st.UIDValidity)
		plan.Deletions = uidsOf(old)
		plan.Insertions = uidsOf(listing)
		plan.Updates = map[mailbox.UID]mailbox.Flags{}
		return plan, nil
	}

	plan.Deletions, plan.Insertions, plan.Updates = Diff(old, listing)
	return plan, nil
}

func uidsOf(entries []models.FolderStateEntry) []mailbox.UID {
	out := make([]mailbox.UID, len(entries))
	for i, e := range entries {
		out[i] = e.UID
	}
	sortUIDs(out)
	return out
}

// Apply replaces the stored state of the plan's folder with its listing,
// leaving out the insertions named in pending (content not fetched in this
// run; they are detected again next time). It must run in the caller's
// transaction. A plan without changes writes nothing.
func (r *Reconciler) Apply(ctx context.Context, tx dbx.DBTX, plan *Plan, pending []mailbox.UID) error {
	if !plan.Changed() {
		return nil
	}

	skip := make(map[mailbox.UID]struct{}, len(pending))
	for _, uid := range pending {
		skip[uid] = struct{}{}
	}
	entries := make([]models.FolderStateEntry, 0, len(plan.Listing))
	for _, e := range plan.Listing {
		if _, ok := skip[e.UID]; ok {
			continue
		}
		entries = append(entries, e)
	}
	onlyPending := !plan.FirstSync && !plan.ValidityChanged &&
		len(plan.Deletions) == 0 && len(plan.Updates) == 0 &&
		len(entries) == len(plan.Listing)-len(plan.Insertions)
	if onlyPending {
		return nil
	}

	repo := r.repomanager.FolderState(tx)
	if err := repo.Replace(ctx, plan.AccountID, plan.Folder, entries); err != nil {
		return fmt.Errorf("%w: replace %s: %w", common.ErrPersistence, plan.Folder, err)
	}
	if err := repo.SaveFolder(ctx, &models.Folder{
		AccountID:    plan.AccountID,
		Name:         plan.Folder,
		UIDValidity:  plan.UIDValidity,
		LastSyncedAt: r.now(),
	}); err != nil {
		return fmt.Errorf("%w: save folder %s: %w", common.ErrPersistence, plan.Folder, err)
	}
	return nil
}

// Reconcile plans folder and records the complete listing as the new
// folder state in its own transaction.
func (r *Reconciler) Reconcile(ctx context.Context, lister mailbox.Lister, accountID, folder string, report ReportFunc) (Result, error) {
	plan, err := r.Plan(ctx, lister, accountID, folder, report)
	if err != nil {
		return Result{}, err
	}
	err = dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return r.Apply(ctx, tx, plan, nil)
	})
	if err != nil {
		return Result{}, err
	}

	res := plan.Result()
	r.logger.Info(ctx, "folder reconciled", "folder", folder, "messages", res.MessageCount,
		"inserted", res.Inserted, "deleted", res.Deleted, "updated", res.Updated)
	return res, nil
}
