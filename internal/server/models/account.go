package models

import (
	"time"

	"github.com/dmitrijs2005/mailvault/internal/mailbox"
)

// MailAccount is a remote mailbox registered by a user. Every credential is
// stored encrypted for reading and hashed for lookup.
type MailAccount struct {
	ID           string
	UserID       string
	ServerEnc    []byte
	ServerHash   []byte
	UsernameEnc  []byte
	UsernameHash []byte
	PasswordEnc  []byte
	PasswordHash []byte
	TLSMode      mailbox.TLSMode
	CreatedAt    time.Time
}
