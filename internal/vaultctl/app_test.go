package vaultctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/cryptox"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/config"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/dmitrijs2005/mailvault/internal/syncapi"
	"github.com/stretchr/testify/require"
)

type fakeVault struct {
	secrets  map[string]string
	ids      map[string]string
	rotated  []string
	unlocked int
}

func newFakeVault() *fakeVault {
	return &fakeVault{secrets: map[string]string{}, ids: map[string]string{}}
}

func (f *fakeVault) Register(ctx context.Context, username string, secret []byte) (*models.User, error) {
	if _, ok := f.secrets[username]; ok {
		return nil, common.ErrAlreadyExists
	}
	f.secrets[username] = string(secret)
	f.ids[username] = "u-" + username
	return &models.User{ID: f.ids[username], UserName: username}, nil
}

func (f *fakeVault) Login(ctx context.Context, username string, secret []byte) (string, string, error) {
	if s, ok := f.secrets[username]; !ok || s != string(secret) {
		return "", "", common.ErrorUnauthorized
	}
	return f.ids[username], "token", nil
}

func (f *fakeVault) Unlock(ctx context.Context, userID string, secret []byte) (*cryptox.FieldCipher, error) {
	f.unlocked++
	return cryptox.NewFieldCipher(bytes.Repeat([]byte{7}, cryptox.KeySize))
}

func (f *fakeVault) RotateSecret(ctx context.Context, userID string, oldSecret, newSecret []byte) error {
	for name, id := range f.ids {
		if id == userID {
			f.secrets[name] = string(newSecret)
		}
	}
	f.rotated = append(f.rotated, userID)
	return nil
}

type fakeAccounts struct {
	accounts []*models.MailAccount
	creds    map[string]mailbox.Credentials
	removed  []string
}

func (f *fakeAccounts) CreateAccount(ctx context.Context, userID string, keys *cryptox.FieldCipher, creds mailbox.Credentials) (*models.MailAccount, error) {
	if f.creds == nil {
		f.creds = map[string]mailbox.Credentials{}
	}
	acc := &models.MailAccount{ID: "acc-1", UserID: userID, TLSMode: creds.TLSMode}
	f.accounts = append(f.accounts, acc)
	f.creds[acc.ID] = creds
	return acc, nil
}

func (f *fakeAccounts) ListAccounts(ctx context.Context, userID string) ([]*models.MailAccount, error) {
	var out []*models.MailAccount
	for _, a := range f.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) LoadCredentials(ctx context.Context, userID, accountID string, keys *cryptox.FieldCipher) (mailbox.Credentials, error) {
	return f.creds[accountID], nil
}

func (f *fakeAccounts) DeleteAccount(ctx context.Context, userID, accountID string) error {
	for _, a := range f.accounts {
		if a.ID == accountID && a.UserID == userID {
			f.removed = append(f.removed, accountID)
			return nil
		}
	}
	return common.ErrorNotFound
}

type fakeSync struct {
	statuses  []syncapi.JobStatus
	enqueued  []string
	folders   []string
	cancelled []string
	closed    bool
	err       error
}

func (f *fakeSync) Enqueue(ctx context.Context, accountID string, folders []string, maxMessages int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.enqueued = append(f.enqueued, accountID)
	f.folders = folders
	return "job-1", nil
}

func (f *fakeSync) Status(ctx context.Context, jobID string) (syncapi.JobStatus, error) {
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return st, nil
}

func (f *fakeSync) Cancel(ctx context.Context, jobID string) (bool, error) {
	f.cancelled = append(f.cancelled, jobID)
	return true, nil
}

func (f *fakeSync) Close() error {
	f.closed = true
	return nil
}

type testEnv struct {
	app      *App
	out      *bytes.Buffer
	vault    *fakeVault
	accounts *fakeAccounts
	sync     *fakeSync
	dialed   []string
}

func newTestEnv(t *testing.T, input string) *testEnv {
	t.Helper()
	e := &testEnv{
		out:      &bytes.Buffer{},
		vault:    newFakeVault(),
		accounts: &fakeAccounts{},
		sync:     &fakeSync{},
	}
	cfg := &config.Config{}
	cfg.LoadDefaults()
	e.app = NewApp(cfg, strings.NewReader(input), e.out)
	e.app.pollInterval = time.Millisecond
	e.app.openStore = func(context.Context) (*store, error) {
		return &store{vault: e.vault, accounts: e.accounts, close: func() error { return nil }}, nil
	}
	e.app.dialSync = func(username string, secret []byte) (syncClient, error) {
		e.dialed = append(e.dialed, username+":"+string(secret))
		return e.sync, nil
	}
	return e
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"bogus"}, {"register"}, {"status", "alice"}, {"rotate", "alice", "extra"}} {
		e := newTestEnv(t, "")
		err := e.app.Run(context.Background(), args)
		require.ErrorIs(t, err, ErrUsage, "%v", args)
		require.Contains(t, e.out.String(), "usage: vaultctl")
	}
}

func TestRun_Register(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "s3cret", "s3cret")

	require.NoError(t, e.app.Run(context.Background(), []string{"register", "alice"}))
	require.Equal(t, "s3cret", e.vault.secrets["alice"])
	require.Contains(t, e.out.String(), "registered alice (u-alice)")
}

func TestRun_RegisterMismatch(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "one", "two")

	err := e.app.Run(context.Background(), []string{"register", "alice"})
	require.ErrorIs(t, err, ErrSecretMismatch)
	require.Empty(t, e.vault.secrets)
}

func TestRun_Rotate(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "old", "old", "old", "new", "new")
	require.NoError(t, e.app.Run(context.Background(), []string{"register", "alice"}))

	require.NoError(t, e.app.Run(context.Background(), []string{"rotate", "alice"}))
	require.Equal(t, []string{"u-alice"}, e.vault.rotated)
	require.Equal(t, "new", e.vault.secrets["alice"])
}

func TestRun_RotateWrongSecret(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "old", "old", "wrong")
	require.NoError(t, e.app.Run(context.Background(), []string{"register", "alice"}))

	err := e.app.Run(context.Background(), []string{"rotate", "alice"})
	require.ErrorIs(t, err, common.ErrorUnauthorized)
	require.Empty(t, e.vault.rotated)
}

func TestRun_AddAccountAndList(t *testing.T) {
	e := newTestEnv(t, "imap.example.com:993\nbob@example.com\n\n")
	stubSecrets(t, "pw", "pw", "pw", "mailpw", "pw")
	require.NoError(t, e.app.Run(context.Background(), []string{"register", "alice"}))

	require.NoError(t, e.app.Run(context.Background(), []string{"add-account", "alice"}))
	require.Equal(t, mailbox.Credentials{
		Server:   "imap.example.com:993",
		Username: "bob@example.com",
		Password: "mailpw",
		TLSMode:  mailbox.TLSImplicit,
	}, e.accounts.creds["acc-1"])
	require.Contains(t, e.out.String(), "account acc-1 added")

	e.out.Reset()
	require.NoError(t, e.app.Run(context.Background(), []string{"accounts", "alice"}))
	require.Contains(t, e.out.String(), "acc-1  imap.example.com:993")
	require.NotContains(t, e.out.String(), "bob@example.com")
	require.NotContains(t, e.out.String(), "mailpw")
}

func TestRun_AddAccountUnknownTLSMode(t *testing.T) {
	e := newTestEnv(t, "imap.example.com:143\nbob\nplain\n")
	stubSecrets(t, "pw", "pw", "pw")
	require.NoError(t, e.app.Run(context.Background(), []string{"register", "alice"}))

	err := e.app.Run(context.Background(), []string{"add-account", "alice"})
	require.ErrorIs(t, err, common.ErrPermanentConfiguration)
	require.Empty(t, e.accounts.accounts)
}

func TestRun_ListAccountsEmpty(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "pw", "pw", "pw")
	require.NoError(t, e.app.Run(context.Background(), []string{"register", "alice"}))

	require.NoError(t, e.app.Run(context.Background(), []string{"accounts", "alice"}))
	require.Contains(t, e.out.String(), "no accounts")
}

func TestRun_RemoveAccount(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "pw", "pw", "pw", "pw")
	require.NoError(t, e.app.Run(context.Background(), []string{"register", "alice"}))
	e.accounts.accounts = []*models.MailAccount{{ID: "acc-9", UserID: "u-alice"}}

	require.NoError(t, e.app.Run(context.Background(), []string{"remove-account", "alice", "acc-9"}))
	require.Equal(t, []string{"acc-9"}, e.accounts.removed)

	err := e.app.Run(context.Background(), []string{"remove-account", "alice", "acc-0"})
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRun_StoreError(t *testing.T) {
	e := newTestEnv(t, "")
	e.app.openStore = func(context.Context) (*store, error) { return nil, ErrNoDatabase }

	err := e.app.Run(context.Background(), []string{"register", "alice"})
	require.ErrorIs(t, err, ErrNoDatabase)
}

func TestOpenDatabase_RequiresDSN(t *testing.T) {
	a := NewApp(&config.Config{}, strings.NewReader(""), &bytes.Buffer{})
	_, err := a.openDatabase(context.Background())
	require.ErrorIs(t, err, ErrNoDatabase)
}

func TestRun_SyncFollowsJobToCompletion(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "pw")
	stats := json.RawMessage(`{"inserted":3}`)
	e.sync.statuses = []syncapi.JobStatus{
		{ID: "job-1", State: "queued"},
		{ID: "job-1", State: "running", Phase: "reconcile"},
		{ID: "job-1", State: "running", Phase: "reconcile"},
		{ID: "job-1", State: "running", Phase: "fetch", Message: "2/3"},
		{ID: "job-1", State: "completed", Phase: "finalize", Stats: stats},
	}

	require.NoError(t, e.app.Run(context.Background(), []string{"sync", "alice", "acc-1", "INBOX", "Sent"}))
	require.Equal(t, []string{"alice:pw"}, e.dialed)
	require.Equal(t, []string{"acc-1"}, e.sync.enqueued)
	require.Equal(t, []string{"INBOX", "Sent"}, e.sync.folders)
	require.True(t, e.sync.closed)

	out := e.out.String()
	require.Contains(t, out, "job job-1 queued")
	require.Equal(t, 1, strings.Count(out, "running reconcile"))
	require.Contains(t, out, "running fetch 2/3")
	require.Contains(t, out, `"inserted": 3`)
}

func TestRun_SyncFailedJob(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "pw")
	e.sync.statuses = []syncapi.JobStatus{{ID: "job-1", State: "failed", LastError: "authentication failed"}}

	err := e.app.Run(context.Background(), []string{"sync", "alice", "acc-1"})
	require.EqualError(t, err, "sync failed: authentication failed")
}

func TestRun_SyncInterruptedCancelsJob(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "pw")
	e.sync.statuses = []syncapi.JobStatus{{ID: "job-1", State: "running", Phase: "fetch"}}
	e.app.pollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := e.app.Run(ctx, []string{"sync", "alice", "acc-1"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"job-1"}, e.sync.cancelled)
	require.Contains(t, e.out.String(), "job job-1 cancelled")
}

func TestRun_SyncEnqueueRejected(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "pw")
	e.sync.err = ErrBusy

	err := e.app.Run(context.Background(), []string{"sync", "alice", "acc-1"})
	require.ErrorIs(t, err, ErrBusy)
	require.True(t, e.sync.closed)
}

func TestRun_StatusAndCancel(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "pw", "pw")
	e.sync.statuses = []syncapi.JobStatus{{ID: "job-7", State: "retrying", Attempts: 2}}

	require.NoError(t, e.app.Run(context.Background(), []string{"status", "alice", "job-7"}))
	require.Contains(t, e.out.String(), `"state": "retrying"`)
	require.Contains(t, e.out.String(), `"attempts": 2`)

	require.NoError(t, e.app.Run(context.Background(), []string{"cancel", "alice", "job-7"}))
	require.Equal(t, []string{"job-7"}, e.sync.cancelled)
	require.Contains(t, e.out.String(), "cancelled")
}

func TestRun_DialError(t *testing.T) {
	e := newTestEnv(t, "")
	stubSecrets(t, "pw")
	boom := errors.New("dial failed")
	e.app.dialSync = func(string, []byte) (syncClient, error) { return nil, boom }

	err := e.app.Run(context.Background(), []string{"status", "alice", "job-1"})
	require.ErrorIs(t, err, boom)
}
