// Package memrepo is an in-memory RepositoryManager for tests and local
// runs without PostgreSQL. Writes are applied immediately; a rolled back
// transaction is not undone.
package memrepo

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/dbx"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/folderstate"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/messages"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/syncjobs"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/users"
	"github.com/google/uuid"
)

type folderKey struct{ account, folder string }

type msgKey struct {
	account, folder string
	uid             mailbox.UID
}

// Manager holds all tables behind one mutex.
type Manager struct {
	mu       sync.Mutex
	users    map[string]models.User
	accounts map[string]models.MailAccount
	messages map[msgKey]models.Message
	state    map[folderKey][]models.FolderStateEntry
	folders  map[folderKey]models.Folder
	jobs     map[string]models.SyncJob

	// Fail makes the named operation ("folderstate.Replace", ...) return
	// the given error.
	Fail map[string]error
}

var _ repomanager.RepositoryManager = (*Manager)(nil)

func New() *Manager {
	return &Manager{
		users:    make(map[string]models.User),
		accounts: make(map[string]models.MailAccount),
		messages: make(map[msgKey]models.Message),
		state:    make(map[folderKey][]models.FolderStateEntry),
		folders:  make(map[folderKey]models.Folder),
		jobs:     make(map[string]models.SyncJob),
		Fail:     make(map[string]error),
	}
}

func (m *Manager) fail(op string) error {
	if err := m.Fail[op]; err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (m *Manager) RunMigrations(context.Context, *sql.DB) error { return nil }

func (m *Manager) Users(dbx.DBTX) users.Repository             { return (*userRepo)(m) }
func (m *Manager) Accounts(dbx.DBTX) accounts.Repository       { return (*accountRepo)(m) }
func (m *Manager) Messages(dbx.DBTX) messages.Repository       { return (*messageRepo)(m) }
func (m *Manager) FolderState(dbx.DBTX) folderstate.Repository { return (*stateRepo)(m) }
func (m *Manager) SyncJobs(dbx.DBTX) syncjobs.Repository       { return (*jobRepo)(m) }

// MessageCount reports the stored messages of one folder.
func (m *Manager) MessageCount(accountID, folder string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.messages {
		if k.account == accountID && k.folder == folder {
			n++
		}
	}
	return n
}

type userRepo Manager

func (r *userRepo) Create(ctx context.Context, u *models.User) (*models.User, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("users.Create"); err != nil {
		return nil, err
	}
	for _, existing := range m.users {
		if existing.UserName == u.UserName {
			return nil, common.ErrAlreadyExists
		}
	}
	u.CreatedAt = time.Now()
	m.users[u.ID] = *u
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &u, nil
}

func (r *userRepo) GetByUserName(ctx context.Context, name string) (*models.User, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.UserName == name {
			return &u, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *userRepo) UpdateKeyMaterial(ctx context.Context, u *models.User) error {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("users.UpdateKeyMaterial"); err != nil {
		return err
	}
	cur, ok := m.users[u.ID]
	if !ok {
		return common.ErrorNotFound
	}
	cur.Salt, cur.KDF, cur.WrappedDEK = u.Salt, u.KDF, u.WrappedDEK
	m.users[u.ID] = cur
	return nil
}

type accountRepo Manager

func (r *accountRepo) Create(ctx context.Context, a *models.MailAccount) error {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.accounts {
		if e.UserID == a.UserID && bytes.Equal(e.ServerHash, a.ServerHash) && bytes.Equal(e.UsernameHash, a.UsernameHash) {
			return common.ErrAlreadyExists
		}
	}
	a.CreatedAt = time.Now()
	m.accounts[a.ID] = *a
	return nil
}

func (r *accountRepo) Get(ctx context.Context, id string) (*models.MailAccount, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &a, nil
}

func (r *accountRepo) FindByHashes(ctx context.Context, userID string, serverHash, usernameHash []byte) (*models.MailAccount, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.UserID == userID && bytes.Equal(a.ServerHash, serverHash) && bytes.Equal(a.UsernameHash, usernameHash) {
			return &a, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *accountRepo) ListByUser(ctx context.Context, userID string) ([]*models.MailAccount, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MailAccount
	for _, a := range m.accounts {
		if a.UserID == userID {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *accountRepo) UpdateCredentials(ctx context.Context, a *models.MailAccount) error {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("accounts.UpdateCredentials"); err != nil {
		return err
	}
	cur, ok := m.accounts[a.ID]
	if !ok {
		return common.ErrorNotFound
	}
	a.UserID, a.CreatedAt = cur.UserID, cur.CreatedAt
	m.accounts[a.ID] = *a
	return nil
}

func (r *accountRepo) Delete(ctx context.Context, id string) error {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return common.ErrorNotFound
	}
	delete(m.accounts, id)
	return nil
}

type messageRepo Manager

func (r *messageRepo) Upsert(ctx context.Context, msg *models.Message) error {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("messages.Upsert"); err != nil {
		return err
	}
	k := msgKey{msg.AccountID, msg.Folder, msg.UID}
	if cur, ok := m.messages[k]; ok {
		msg.ID = cur.ID
	} else if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	m.messages[k] = *msg
	return nil
}

func (r *messageRepo) UpdateFlags(ctx context.Context, accountID, folder string, updates map[mailbox.UID]mailbox.Flags) error {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for uid, f := range updates {
		k := msgKey{accountID, folder, uid}
		if cur, ok := m.messages[k]; ok {
			cur.Flags = f
			m.messages[k] = cur
		}
	}
	return nil
}

func (r *messageRepo) DeleteByUIDs(ctx context.Context, accountID, folder string, uids []mailbox.UID) ([]string, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for _, uid := range uids {
		k := msgKey{accountID, folder, uid}
		if cur, ok := m.messages[k]; ok {
			if cur.BodyStorageKey != "" {
				keys = append(keys, cur.BodyStorageKey)
			}
			delete(m.messages, k)
		}
	}
	return keys, nil
}

func (r *messageRepo) DeleteFolder(ctx context.Context, accountID, folder string) ([]string, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, cur := range m.messages {
		if k.account == accountID && k.folder == folder {
			if cur.BodyStorageKey != "" {
				keys = append(keys, cur.BodyStorageKey)
			}
			delete(m.messages, k)
		}
	}
	return keys, nil
}

func (r *messageRepo) Get(ctx context.Context, accountID, id string) (*models.Message, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.AccountID == accountID && msg.ID == id {
			return &msg, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *messageRepo) List(ctx context.Context, accountID, folder string, limit, offset int) ([]*models.Message, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	var out []*models.Message
	for _, msg := range m.messages {
		if msg.AccountID == accountID && msg.Folder == folder {
			msg := msg
			out = append(out, &msg)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].UID > out[j].UID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *messageRepo) FindByMessageIDHash(ctx context.Context, accountID string, hash []byte) ([]*models.Message, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Message
	for _, msg := range m.messages {
		if msg.AccountID == accountID && bytes.Equal(msg.MessageIDHash, hash) {
			msg := msg
			out = append(out, &msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Folder != out[j].Folder {
			return out[i].Folder < out[j].Folder
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

type stateRepo Manager

func (r *stateRepo) Snapshot(ctx context.Context, accountID, folder string) ([]models.FolderStateEntry, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("folderstate.Snapshot"); err != nil {
		return nil, err
	}
	out := append([]models.FolderStateEntry{}, m.state[folderKey{accountID, folder}]...)
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (r *stateRepo) Replace(ctx context.Context, accountID, folder string, entries []models.FolderStateEntry) error {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("folderstate.Replace"); err != nil {
		return err
	}
	k := folderKey{accountID, folder}
	if len(entries) == 0 {
		delete(m.state, k)
		return nil
	}
	m.state[k] = append([]models.FolderStateEntry(nil), entries...)
	return nil
}

func (r *stateRepo) GetFolder(ctx context.Context, accountID, folder string) (*models.Folder, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folders[folderKey{accountID, folder}]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &f, nil
}

func (r *stateRepo) SaveFolder(ctx context.Context, f *models.Folder) error {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[folderKey{f.AccountID, f.Name}] = *f
	return nil
}

func (r *stateRepo) ListFolders(ctx context.Context, accountID string) ([]*models.Folder, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Folder
	for k, f := range m.folders {
		if k.account == accountID {
			f := f
			out = append(out, &f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *stateRepo) DeleteFolder(ctx context.Context, accountID, folder string) error {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, folderKey{accountID, folder})
	delete(m.folders, folderKey{accountID, folder})
	return nil
}

type jobRepo Manager

func (r *jobRepo) Save(ctx context.Context, job *models.SyncJob) error {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("syncjobs.Save"); err != nil {
		return err
	}
	m.jobs[job.ID] = *job
	return nil
}

func (r *jobRepo) Get(ctx context.Context, id string) (*models.SyncJob, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &j, nil
}

func (r *jobRepo) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.SyncJob, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SyncJob
	for _, j := range m.jobs {
		if j.AccountID == accountID {
			j := j
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *jobRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m := (*Manager)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}
