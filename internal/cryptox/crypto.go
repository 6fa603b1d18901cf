// Package cryptox implements the mailvault key hierarchy: a user secret is
// stretched into a key-encryption key (KEK) which wraps a random per-user
// data-encryption key (DEK). Field-level encryption and keyed hashes are
// derived from the DEK, see FieldCipher.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the length of KEKs, DEKs and derived sub-keys.
	KeySize = 32
	// SaltSize is the length of the per-user KDF salt.
	SaltSize = 16

	nonceSize = 12

	// formatV1 prefixes every blob: version || nonce || ciphertext+tag.
	formatV1 byte = 1
)

var errMalformed = errors.New("malformed ciphertext")

// KDFParams is the Argon2id work factor. It is stored next to every user so
// that the deployment default can change without locking out older users.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams matches the RFC 9106 second recommended option.
var DefaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// Validate rejects parameters argon2 would accept but that make no sense.
func (p KDFParams) Validate() error {
	if p.Time == 0 || p.MemoryKiB < 8*uint32(p.Threads) || p.Threads == 0 {
		return fmt.Errorf("%w: invalid kdf params %+v", common.ErrPermanentConfiguration, p)
	}
	return nil
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() []byte {
	return common.GenerateRandByteArray(SaltSize)
}

// DeriveKEK stretches the user's secret into a key-encryption key using
// Argon2id with the given salt and work factor.
//
// The same (secret, salt, params) always yields the same KEK. The KEK is
// never stored; callers should wipe it with common.WipeByteArray once the
// DEK has been wrapped or unwrapped.
//
// Example:
//
//	salt := cryptox.NewSalt()
//	kek := cryptox.DeriveKEK([]byte("correct horse"), salt, cryptox.DefaultKDFParams)
//	defer common.WipeByteArray(kek)
func DeriveKEK(secret, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(secret, salt, p.Time, p.MemoryKiB, p.Threads, KeySize)
}

// GenerateDEK returns a new random data-encryption key. It is generated once
// per user at registration and never changes afterwards.
func GenerateDEK() []byte {
	return common.GenerateRandByteArray(KeySize)
}

// WrapDEK encrypts dek under kek with AES-256-GCM. aad binds the wrapped key
// to its owner (usually the user id) so a wrapped DEK copied onto another
// user row does not open.
func WrapDEK(dek, kek, aad []byte) ([]byte, error) {
	if len(dek) != KeySize {
		return nil, fmt.Errorf("dek must be %d bytes, got %d", KeySize, len(dek))
	}
	return seal(kek, dek, aad)
}

// UnwrapDEK opens a DEK produced by WrapDEK. A wrong secret surfaces here:
// the GCM tag does not verify and common.ErrAuthentication is returned.
func UnwrapDEK(wrapped, kek, aad []byte) ([]byte, error) {
	dek, err := open(kek, wrapped, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrAuthentication, err)
	}
	return dek, nil
}

// RewrapDEK re-encrypts a wrapped DEK from oldKEK to newKEK. The DEK itself is
// unchanged, so nothing encrypted under it has to be touched.
func RewrapDEK(wrapped, oldKEK, newKEK, aad []byte) ([]byte, error) {
	dek, err := UnwrapDEK(wrapped, oldKEK, aad)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(dek)

	return WrapDEK(dek, newKEK, aad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+aesgcm.Overhead())
	out[0] = formatV1
	copy(out[1:], common.GenerateRandByteArray(nonceSize))

	return aesgcm.Seal(out, out[1:1+nonceSize], plaintext, aad), nil
}

func open(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < 1+nonceSize || blob[0] != formatV1 {
		return nil, errMalformed
	}
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, blob[1:1+nonceSize], blob[1+nonceSize:], aad)
}
