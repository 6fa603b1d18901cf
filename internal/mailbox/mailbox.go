// Package mailbox is the boundary to remote mail stores. The sync engine
// only sees the Client interface: folder listings keyed by UID, flag
// bitmasks and raw RFC 5322 bodies. IMAPDialer is the production
// implementation; Memory backs tests and local runs.
package mailbox

import (
	"context"
	"sort"
	"time"
)

// UID is a message identifier, stable within a folder for one UIDVALIDITY
// epoch.
type UID uint32

// Flags is the subset of IMAP system flags mailvault mirrors.
type Flags uint8

const (
	FlagSeen Flags = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	names := []struct {
		f Flags
		s string
	}{{FlagSeen, "S"}, {FlagAnswered, "A"}, {FlagFlagged, "F"}, {FlagDeleted, "D"}, {FlagDraft, "T"}}
	out := make([]byte, 0, len(names))
	for _, n := range names {
		if f.Has(n.f) {
			out = append(out, n.s...)
		}
	}
	return string(out)
}

// ListEntry is one row of a folder listing.
type ListEntry struct {
	UID   UID
	Flags Flags
}

// Status describes a selected folder.
type Status struct {
	Name        string
	UIDValidity uint32
	Messages    uint32
}

// Message is a fetched message with its raw RFC 5322 bytes.
type Message struct {
	UID          UID
	Flags        Flags
	InternalDate time.Time
	Raw          []byte
}

// Credentials are the plaintext connection details, decrypted for the
// lifetime of one sync job.
type Credentials struct {
	Server   string
	Username string
	Password string
	TLSMode  TLSMode
}

// TLSMode selects how the connection is secured.
type TLSMode string

const (
	TLSImplicit TLSMode = "tls"
	TLSStartTLS TLSMode = "starttls"
	// TLSNone is only accepted by the in-memory dialer.
	TLSNone TLSMode = "none"
)

// Lister is what reconciliation needs from a mailbox.
type Lister interface {
	// Status selects folder and reports its size and UIDVALIDITY.
	Status(ctx context.Context, folder string) (Status, error)
	// ListRange lists messages with sequence numbers from..to inclusive.
	ListRange(ctx context.Context, folder string, from, to uint32) ([]ListEntry, error)
}

// Client is a logged-in mailbox session. Implementations are not safe for
// concurrent use; open one session per goroutine.
type Client interface {
	Lister

	// ListFolders returns the selectable folders.
	ListFolders(ctx context.Context) ([]string, error)

	// Fetch retrieves full messages by UID. On failure it returns the
	// messages received so far together with the error.
	Fetch(ctx context.Context, folder string, uids []UID) ([]Message, error)

	// Append stores raw as a new message in folder.
	Append(ctx context.Context, folder string, flags Flags, raw []byte) error

	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Client, error)
}

// SortUIDsDesc orders uids newest first.
func SortUIDsDesc(uids []UID) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
}
