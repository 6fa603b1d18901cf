// Package common defines shared constants and sentinel errors used across
// mailvault layers. Callers should use errors.Is to match these values.
package common

import (
	"context"
	"errors"
)

var (
	// Repository-level errors.
	ErrorNotFound    = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal      = errors.New("internal error")
	ErrorUnauthorized  = errors.New("unauthorized")
	ErrVersionConflict = errors.New("version conflict")

	// Auth errors (invalid, malformed or expired token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Key hierarchy errors. ErrAuthentication is what a wrong user secret
	// looks like: the wrapped DEK does not open under the derived KEK.
	ErrAuthentication = errors.New("authentication failed")
	ErrDecryption     = errors.New("decryption failed")
	ErrFieldMissing   = errors.New("encrypted field missing")

	// Sync errors.
	ErrReconciliation         = errors.New("reconciliation failed")
	ErrPersistence            = errors.New("persistence failed")
	ErrTransientNetwork       = errors.New("transient network error")
	ErrPermanentConfiguration = errors.New("permanent configuration error")

	// Job orchestration errors.
	ErrJobInFlight = errors.New("job already in flight for account")
	ErrQueueFull   = errors.New("job queue is full")
)

// Stable failure kinds reported on failed jobs.
const (
	KindAuthentication = "authentication"
	KindDecryption     = "decryption"
	KindReconciliation = "reconciliation"
	KindPersistence    = "persistence"
	KindTransient      = "transient_network"
	KindConfiguration  = "permanent_configuration"
	KindCancelled      = "cancelled"
	KindUnknown        = "unknown"
)

// KindOf maps err onto one of the stable failure kinds.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrDecryption), errors.Is(err, ErrFieldMissing):
		return KindDecryption
	case errors.Is(err, ErrPermanentConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrTransientNetwork):
		return KindTransient
	case errors.Is(err, ErrReconciliation):
		return KindReconciliation
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether a failed sync may be attempted again.
// Credential, key and configuration problems will not fix themselves, and a
// cancelled job stays cancelled. Everything else, unknown errors included, is
// retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case "", KindCancelled, KindAuthentication, KindDecryption, KindConfiguration:
		return false
	default:
		return true
	}
}
