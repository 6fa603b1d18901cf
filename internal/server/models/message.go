package models

import (
	"time"

	"github.com/dmitrijs2005/mailvault/internal/mailbox"
)

// Message is a mirrored message. The body is either inline (BodyEnc) or in
// object storage (BodyStorageKey), never both. Embedding is plaintext.
type Message struct {
	ID             string
	AccountID      string
	Folder         string
	UID            mailbox.UID
	Flags          mailbox.Flags
	MessageIDHash  []byte
	SenderEnc      []byte
	SubjectEnc     []byte
	BodyEnc        []byte
	BodyStorageKey string
	Embedding      []byte
	ReceivedAt     time.Time
}
