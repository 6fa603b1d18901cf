package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/memrepo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acct = "a1"

func setup(t *testing.T, opts Options) (*Reconciler, *memrepo.Manager) {
	t.Helper()
	db, err := memrepo.OpenDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	m := memrepo.New()
	return New(db, m, opts, logging.NewDiscard()), m
}

func session(t *testing.T, mb *mailbox.Memory) mailbox.Client {
	t.Helper()
	c, err := mb.Dial(context.Background(), mailbox.Credentials{Password: "pw"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func seedState(t *testing.T, m *memrepo.Manager, folder string, validity uint32, entries []models.FolderStateEntry) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.FolderState(nil).Replace(ctx, acct, folder, entries))
	require.NoError(t, m.FolderState(nil).SaveFolder(ctx, &models.Folder{AccountID: acct, Name: folder, UIDValidity: validity}))
}

func TestDiff(t *testing.T) {
	old := []models.FolderStateEntry{{UID: 3, Flags: 0}, {UID: 1, Flags: mailbox.FlagSeen}, {UID: 2, Flags: mailbox.FlagSeen}}
	cur := []models.FolderStateEntry{{UID: 2, Flags: mailbox.FlagSeen | mailbox.FlagFlagged}, {UID: 3}, {UID: 5}, {UID: 4}}

	del, ins, upd := Diff(old, cur)
	assert.Equal(t, []mailbox.UID{1}, del)
	assert.Equal(t, []mailbox.UID{4, 5}, ins)
	assert.Equal(t, map[mailbox.UID]mailbox.Flags{2: mailbox.FlagSeen | mailbox.FlagFlagged}, upd)

	del, ins, upd = Diff(nil, nil)
	assert.Empty(t, del)
	assert.Empty(t, ins)
	assert.Empty(t, upd)
}

// Stored {1 seen, 2 seen}; server now has {2 seen, 3 unseen}.
func TestReconcile_EndToEndScenario(t *testing.T) {
	r, m := setup(t, Options{})
	ctx := context.Background()

	mb := mailbox.NewMemory("pw")
	mb.CreateFolder("INBOX", 7)
	mb.Add("INBOX", mailbox.FlagSeen, []byte("one"))
	mb.Add("INBOX", mailbox.FlagSeen, []byte("two"))
	mb.Add("INBOX", 0, []byte("three"))
	mb.Expunge("INBOX", 1)

	seedState(t, m, "INBOX", 7, []models.FolderStateEntry{{UID: 1, Flags: mailbox.FlagSeen}, {UID: 2, Flags: mailbox.FlagSeen}})

	plan, err := r.Plan(ctx, session(t, mb), acct, "INBOX", nil)
	require.NoError(t, err)
	assert.Equal(t, []mailbox.UID{1}, plan.Deletions)
	assert.Equal(t, []mailbox.UID{3}, plan.Insertions)
	assert.Empty(t, plan.Updates)

	res, err := r.Reconcile(ctx, session(t, mb), acct, "INBOX", nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Folder: "INBOX", MessageCount: 2, Inserted: 1, Deleted: 1}, res)

	snap, err := m.FolderState(nil).Snapshot(ctx, acct, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []models.FolderStateEntry{{UID: 2, Flags: mailbox.FlagSeen}, {UID: 3, Flags: 0}}, snap)
}

func TestReconcile_Idempotent(t *testing.T) {
	r, m := setup(t, Options{})
	ctx := context.Background()

	mb := mailbox.NewMemory("pw")
	mb.CreateFolder("INBOX", 1)
	for i := 0; i < 5; i++ {
		mb.Add("INBOX", mailbox.FlagSeen, []byte("x"))
	}

	_, err := r.Reconcile(ctx, session(t, mb), acct, "INBOX", nil)
	require.NoError(t, err)
	before, err := m.FolderState(nil).Snapshot(ctx, acct, "INBOX")
	require.NoError(t, err)
	marker, err := m.FolderState(nil).GetFolder(ctx, acct, "INBOX")
	require.NoError(t, err)

	r.now = func() time.Time { return time.Unix(0, 0) }
	res, err := r.Reconcile(ctx, session(t, mb), acct, "INBOX", nil)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Zero(t, res.Deleted)
	assert.Zero(t, res.Updated)

	after, err := m.FolderState(nil).Snapshot(ctx, acct, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	again, err := m.FolderState(nil).GetFolder(ctx, acct, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, marker.LastSyncedAt, again.LastSyncedAt, "unchanged folder must not be rewritten")
}

func TestReconcile_ConvergesFromArbitraryState(t *testing.T) {
	r, m := setup(t, Options{})
	ctx := context.Background()

	mb := mailbox.NewMemory("pw")
	mb.CreateFolder("INBOX", 1)
	mb.Add("INBOX", mailbox.FlagFlagged, []byte("a"))
	mb.Add("INBOX", 0, []byte("b"))

	seedState(t, m, "INBOX", 1, []models.FolderStateEntry{{UID: 2, Flags: mailbox.FlagSeen}, {UID: 40}, {UID: 41}})

	_, err := r.Reconcile(ctx, session(t, mb), acct, "INBOX", nil)
	require.NoError(t, err)

	snap, err := m.FolderState(nil).Snapshot(ctx, acct, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []models.FolderStateEntry{{UID: 1, Flags: mailbox.FlagFlagged}, {UID: 2, Flags: 0}}, snap)
}

func TestPlan_BatchesLargeFolders(t *testing.T) {
	r, _ := setup(t, Options{BatchSize: 3, BatchThreshold: 4})
	mb := mailbox.NewMemory("pw")
	mb.CreateFolder("INBOX", 1)
	for i := 0; i < 8; i++ {
		mb.Add("INBOX", 0, []byte("x"))
	}

	var reports []ListProgress
	plan, err := r.Plan(context.Background(), session(t, mb), acct, "INBOX", func(p ListProgress) {
		reports = append(reports, p)
	})
	require.NoError(t, err)
	assert.Len(t, plan.Insertions, 8)
	assert.True(t, plan.FirstSync)
	assert.Equal(t, []ListProgress{
		{Folder: "INBOX", Listed: 3, Total: 8},
		{Folder: "INBOX", Listed: 6, Total: 8},
		{Folder: "INBOX", Listed: 8, Total: 8},
	}, reports)
}

func TestPlan_UIDValidityChange(t *testing.T) {
	r, m := setup(t, Options{})
	ctx := context.Background()

	mb := mailbox.NewMemory("pw")
	mb.CreateFolder("INBOX", 2)
	mb.Add("INBOX", mailbox.FlagSeen, []byte("x"))
	mb.Add("INBOX", mailbox.FlagSeen, []byte("y"))

	seedState(t, m, "INBOX", 1, []models.FolderStateEntry{{UID: 1, Flags: mailbox.FlagSeen}, {UID: 9}})

	plan, err := r.Plan(ctx, session(t, mb), acct, "INBOX", nil)
	require.NoError(t, err)
	assert.True(t, plan.ValidityChanged)
	assert.Equal(t, []mailbox.UID{1, 9}, plan.Deletions)
	assert.Equal(t, []mailbox.UID{1, 2}, plan.Insertions)
	assert.Empty(t, plan.Updates)
	assert.Equal(t, mailbox.FlagSeen, plan.Flags(2))
	assert.Equal(t, mailbox.Flags(0), plan.Flags(99))
}

// failingLister lists the first batch and then loses the connection.
type failingLister struct {
	calls int
}

func (f *failingLister) Status(ctx context.Context, folder string) (mailbox.Status, error) {
	return mailbox.Status{Name: folder, UIDValidity: 1, Messages: 10}, nil
}

func (f *failingLister) ListRange(ctx context.Context, folder string, from, to uint32) ([]mailbox.ListEntry, error) {
	f.calls++
	if f.calls > 1 {
		return nil, fmt.Errorf("%w: reset", common.ErrTransientNetwork)
	}
	var out []mailbox.ListEntry
	for i := from; i <= to; i++ {
		out = append(out, mailbox.ListEntry{UID: mailbox.UID(i)})
	}
	return out, nil
}

func TestPlan_ListingFailureDiscardsPartialListing(t *testing.T) {
	r, m := setup(t, Options{BatchSize: 5, BatchThreshold: 5})
	ctx := context.Background()
	seedState(t, m, "INBOX", 1, []models.FolderStateEntry{{UID: 100}})

	_, err := r.Reconcile(ctx, &failingLister{}, acct, "INBOX", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrReconciliation)
	assert.Equal(t, common.KindTransient, common.KindOf(err))

	snap, err := m.FolderState(nil).Snapshot(ctx, acct, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []models.FolderStateEntry{{UID: 100}}, snap)
}

func TestPlan_Cancelled(t *testing.T) {
	r, _ := setup(t, Options{})
	mb := mailbox.NewMemory("pw")
	mb.CreateFolder("INBOX", 1)
	c := session(t, mb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Plan(ctx, c, acct, "INBOX", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, common.ErrReconciliation))
}

func TestApply_PendingInsertionsLeftOut(t *testing.T) {
	r, m := setup(t, Options{})
	ctx := context.Background()

	plan := &Plan{
		AccountID:   acct,
		Folder:      "INBOX",
		UIDValidity: 1,
		FirstSync:   true,
		Listing:     []models.FolderStateEntry{{UID: 1}, {UID: 2}, {UID: 3}},
		Insertions:  []mailbox.UID{1, 2, 3},
	}
	require.NoError(t, r.Apply(ctx, nil, plan, []mailbox.UID{3}))

	snap, err := m.FolderState(nil).Snapshot(ctx, acct, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []models.FolderStateEntry{{UID: 1}, {UID: 2}}, snap)
}

func TestApply_OnlyPendingWritesNothing(t *testing.T) {
	r, m := setup(t, Options{})
	ctx := context.Background()
	seedState(t, m, "INBOX", 1, []models.FolderStateEntry{{UID: 1}})

	m.Fail["folderstate.Replace"] = errors.New("must not be called")
	plan := &Plan{
		AccountID: acct, Folder: "INBOX", UIDValidity: 1,
		Listing:    []models.FolderStateEntry{{UID: 1}, {UID: 2}},
		Insertions: []mailbox.UID{2},
	}
	require.NoError(t, r.Apply(ctx, nil, plan, []mailbox.UID{2}))
}

func TestApply_ReplaceErrorIsPersistence(t *testing.T) {
	r, m := setup(t, Options{})
	m.Fail["folderstate.Replace"] = errors.New("disk full")

	plan := &Plan{AccountID: acct, Folder: "INBOX", FirstSync: true}
	err := r.Apply(context.Background(), nil, plan, nil)
	assert.ErrorIs(t, err, common.ErrPersistence)
}
