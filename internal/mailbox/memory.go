package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
)

// Memory is an in-process mailbox store. It implements Dialer so the whole
// sync path can run without a network, and lets tests inject faults.
type Memory struct {
	mu       sync.Mutex
	folders  map[string]*memFolder
	order    []string
	password string

	// FailFetchAfter makes Fetch return ErrTransientNetwork after this many
	// messages have been delivered across all sessions; 0 disables.
	FailFetchAfter int
	// FailList makes ListRange fail for the named folder.
	FailList map[string]error
	// FailDial makes every Dial fail.
	FailDial error

	fetched int
	dials   int
}

type memFolder struct {
	uidValidity uint32
	nextUID     UID
	msgs        []memMessage
}

type memMessage struct {
	uid   UID
	flags Flags
	date  time.Time
	raw   []byte
}

// NewMemory returns an empty store that accepts password for any user.
func NewMemory(password string) *Memory {
	return &Memory{folders: make(map[string]*memFolder), password: password}
}

// CreateFolder adds an empty folder with the given UIDVALIDITY.
func (m *Memory) CreateFolder(name string, uidValidity uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[name]; !ok {
		m.order = append(m.order, name)
	}
	m.folders[name] = &memFolder{uidValidity: uidValidity, nextUID: 1}
}

// DeleteFolder removes a folder and its messages.
func (m *Memory) DeleteFolder(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.folders, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Add appends a message and returns its UID.
func (m *Memory) Add(folder string, flags Flags, raw []byte) UID {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.mustFolder(folder)
	uid := f.nextUID
	f.nextUID++
	f.msgs = append(f.msgs, memMessage{uid: uid, flags: flags, date: time.Now(), raw: raw})
	return uid
}

// SetFlags replaces the flags of uid.
func (m *Memory) SetFlags(folder string, uid UID, flags Flags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.mustFolder(folder)
	for i := range f.msgs {
		if f.msgs[i].uid == uid {
			f.msgs[i].flags = flags
		}
	}
}

// Expunge removes uid.
func (m *Memory) Expunge(folder string, uid UID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.mustFolder(folder)
	for i := range f.msgs {
		if f.msgs[i].uid == uid {
			f.msgs = append(f.msgs[:i], f.msgs[i+1:]...)
			return
		}
	}
}

// Dials reports how many sessions were opened.
func (m *Memory) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

func (m *Memory) mustFolder(name string) *memFolder {
	f, ok := m.folders[name]
	if !ok {
		panic(fmt.Sprintf("mailbox: no folder %q", name))
	}
	return f
}

func (m *Memory) Dial(ctx context.Context, creds Credentials) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials++
	if m.FailDial != nil {
		return nil, m.FailDial
	}
	if creds.Password != m.password {
		return nil, fmt.Errorf("%w: login rejected for %s", common.ErrPermanentConfiguration, creds.Username)
	}
	return &memClient{m: m}, nil
}

type memClient struct {
	m      *Memory
	closed bool
}

var errClosed = errors.New("mailbox: session closed")

func (c *memClient) check(ctx context.Context) error {
	if c.closed {
		return errClosed
	}
	return ctx.Err()
}

func (c *memClient) ListFolders(ctx context.Context) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return append([]string(nil), c.m.order...), nil
}

func (c *memClient) folder(name string) (*memFolder, error) {
	f, ok := c.m.folders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %q", common.ErrPermanentConfiguration, ErrNoSuchFolder, name)
	}
	return f, nil
}

func (c *memClient) Status(ctx context.Context, folder string) (Status, error) {
	if err := c.check(ctx); err != nil {
		return Status{}, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	f, err := c.folder(folder)
	if err != nil {
		return Status{}, err
	}
	return Status{Name: folder, UIDValidity: f.uidValidity, Messages: uint32(len(f.msgs))}, nil
}

func (c *memClient) ListRange(ctx context.Context, folder string, from, to uint32) ([]ListEntry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if err := c.m.FailList[folder]; err != nil {
		return nil, err
	}
	f, err := c.folder(folder)
	if err != nil {
		return nil, err
	}

	var out []ListEntry
	for seq := from; seq <= to && seq >= 1 && int(seq) <= len(f.msgs); seq++ {
		msg := f.msgs[seq-1]
		out = append(out, ListEntry{UID: msg.uid, Flags: msg.flags})
	}
	return out, nil
}

func (c *memClient) Fetch(ctx context.Context, folder string, uids []UID) ([]Message, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	f, err := c.folder(folder)
	if err != nil {
		return nil, err
	}

	want := make(map[UID]struct{}, len(uids))
	for _, u := range uids {
		want[u] = struct{}{}
	}

	var out []Message
	for _, msg := range f.msgs {
		if _, ok := want[msg.uid]; !ok {
			continue
		}
		if c.m.FailFetchAfter > 0 && c.m.fetched >= c.m.FailFetchAfter {
			return out, fmt.Errorf("%w: connection reset", common.ErrTransientNetwork)
		}
		c.m.fetched++
		out = append(out, Message{UID: msg.uid, Flags: msg.flags, InternalDate: msg.date, Raw: append([]byte(nil), msg.raw...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (c *memClient) Append(ctx context.Context, folder string, flags Flags, raw []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if _, err := c.Status(ctx, folder); err != nil {
		return err
	}
	c.m.Add(folder, flags, raw)
	return nil
}

func (c *memClient) Close() error {
	c.closed = true
	return nil
}
