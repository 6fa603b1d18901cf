// Package models defines server-side data models persisted in the database.
// Byte-slice fields ending in Enc are AES-GCM ciphertexts under the owning
// user's DEK; fields ending in Hash are keyed HMACs under the same DEK.
package models

import (
	"time"

	"github.com/dmitrijs2005/mailvault/internal/cryptox"
)

// User carries the key material needed to unlock a user's DEK. The user's
// secret is never stored.
type User struct {
	ID         string
	UserName   string
	Salt       []byte
	KDF        cryptox.KDFParams
	WrappedDEK []byte
	CreatedAt  time.Time
}
