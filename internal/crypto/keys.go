package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key purposes for DeriveKey. Changing a label invalidates every value
// signed under the old one.
const (
	PurposeAuthState = "gatekeep/auth-state/v1"
)

// DeriveKey expands secret into a 32-byte key bound to purpose, so one
// configured secret can back several independent signers.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}
