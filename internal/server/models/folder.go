package models

import (
	"time"

	"github.com/dmitrijs2005/mailvault/internal/mailbox"
)

// FolderStateEntry records one message as it was last seen on the server.
// Rows are only created and deleted by reconciliation.
type FolderStateEntry struct {
	UID   mailbox.UID
	Flags mailbox.Flags
}

// Folder tracks the UIDVALIDITY epoch a folder's state belongs to.
type Folder struct {
	AccountID    string
	Name         string
	UIDValidity  uint32
	LastSyncedAt time.Time
}
