package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key purposes. One configured secret feeds every MAC in the service; each
// consumer gets an independent key so a leak of one derived key does not
// let an attacker forge values for another purpose.
const (
	PurposeIdentity    = "dlgate/identity/v1"
	PurposeBinding     = "dlgate/challenge-binding/v1"
	PurposeInteractive = "dlgate/interactive/v1"
)

const derivedKeyLen = 32

var ErrWeakSecret = errors.New("secret must be at least 16 bytes")

// DeriveKey expands secret into a 32 byte key bound to purpose (HKDF-SHA256).
func DeriveKey(secret, purpose string) ([]byte, error) {
	if len(secret) < 16 {
		return nil, ErrWeakSecret
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose))
	key := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}
