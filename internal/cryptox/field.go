package cryptox

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"golang.org/x/crypto/hkdf"
)

var (
	infoEncryption = []byte("mailvault field encryption v1")
	infoHashing    = []byte("mailvault field hashing v1")
)

// FieldCipher encrypts individual fields and computes keyed equality hashes
// under a live DEK. Encryption and hashing use independent HKDF sub-keys so
// a hash never leaks anything about the ciphertext key.
//
// A FieldCipher is safe for concurrent use. It holds key material and must be
// wiped when the request or job that owns it ends.
type FieldCipher struct {
	mu     sync.RWMutex
	dek    []byte
	encKey []byte
	macKey []byte
}

// NewFieldCipher derives the sub-keys from dek. The cipher keeps its own copy
// of dek; the caller may wipe theirs.
func NewFieldCipher(dek []byte) (*FieldCipher, error) {
	if len(dek) != KeySize {
		return nil, fmt.Errorf("dek must be %d bytes, got %d", KeySize, len(dek))
	}

	fc := &FieldCipher{dek: append([]byte(nil), dek...)}

	var err error
	if fc.encKey, err = subKey(fc.dek, infoEncryption); err != nil {
		return nil, err
	}
	if fc.macKey, err = subKey(fc.dek, infoHashing); err != nil {
		return nil, err
	}
	return fc, nil
}

func subKey(dek, info []byte) ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dek, nil, info), k); err != nil {
		return nil, err
	}
	return k, nil
}

// Encrypt seals plaintext with a fresh random nonce, so encrypting the same
// value twice gives different ciphertexts.
func (c *FieldCipher) Encrypt(plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.encKey == nil {
		return nil, fmt.Errorf("%w: cipher wiped", common.ErrDecryption)
	}
	return seal(c.encKey, plaintext, nil)
}

// EncryptString is Encrypt for string fields.
func (c *FieldCipher) EncryptString(s string) ([]byte, error) {
	return c.Encrypt([]byte(s))
}

// Decrypt opens a field sealed by Encrypt. An empty input means the column
// was never written and returns common.ErrFieldMissing; any other failure
// (wrong key, tampering, truncation) returns common.ErrDecryption.
func (c *FieldCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, common.ErrFieldMissing
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.encKey == nil {
		return nil, fmt.Errorf("%w: cipher wiped", common.ErrDecryption)
	}
	pt, err := open(c.encKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return pt, nil
}

// DecryptString is Decrypt for string fields.
func (c *FieldCipher) DecryptString(ciphertext []byte) (string, error) {
	pt, err := c.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Hash returns HMAC-SHA256 of plaintext under the hashing sub-key. It is
// deterministic for a given DEK, which makes it usable for equality lookups
// on encrypted columns. A wiped cipher returns common.ErrDecryption.
func (c *FieldCipher) Hash(plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.macKey == nil {
		return nil, fmt.Errorf("%w: cipher wiped", common.ErrDecryption)
	}
	m := hmac.New(sha256.New, c.macKey)
	m.Write(plaintext)
	return m.Sum(nil), nil
}

// HashString is Hash for string fields.
func (c *FieldCipher) HashString(s string) ([]byte, error) {
	return c.Hash([]byte(s))
}

// Wipe zeroes all key material. Every later Encrypt or Decrypt fails.
// Calling Wipe more than once is fine.
func (c *FieldCipher) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	common.WipeByteArray(c.dek)
	common.WipeByteArray(c.encKey)
	common.WipeByteArray(c.macKey)
	c.dek, c.encKey, c.macKey = nil, nil, nil
}

// Wiped reports whether Wipe has been called.
func (c *FieldCipher) Wiped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.encKey == nil
}
