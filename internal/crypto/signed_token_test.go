package crypto

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statePayload struct {
	Nonce    string `json:"nonce"`
	ReturnTo string `json:"return_to"`
}

func TestTokenSigner_RoundTrip(t *testing.T) {
	signer := NewTokenSigner([]byte(strings.Repeat("k", 32)), 10*time.Minute)

	token, err := signer.Sign(statePayload{Nonce: "abc", ReturnTo: "/dashboard"})
	require.NoError(t, err)

	var got statePayload
	require.NoError(t, signer.Verify(token, &got))
	assert.Equal(t, "abc", got.Nonce)
	assert.Equal(t, "/dashboard", got.ReturnTo)
}

func TestTokenSigner_Rejects(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))
	signer := NewTokenSigner(key, 10*time.Minute)
	token, err := signer.Sign(statePayload{Nonce: "abc"})
	require.NoError(t, err)

	otherKey := NewTokenSigner([]byte(strings.Repeat("x", 32)), 10*time.Minute)
	expired := signer.WithClock(func() time.Time { return time.Now().Add(11 * time.Minute) })

	encoded, sig, _ := strings.Cut(token, ".")
	tampered := encoded + "A." + sig

	tests := []struct {
		name    string
		signer  TokenSigner
		token   string
		wantErr error
	}{
		{"wrong key", otherKey, token, ErrInvalidSignature},
		{"expired", expired, token, ErrTokenExpired},
		{"tampered payload", signer, tampered, ErrInvalidSignature},
		{"no separator", signer, "garbage", ErrMalformedToken},
		{"empty", signer, "", ErrMalformedToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got statePayload
			err := tt.signer.Verify(tt.token, &got)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDeriveKey(t *testing.T) {
	secret := []byte("a-very-long-shared-session-secret-value")

	k1, err := DeriveKey(secret, PurposeAuthState)
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	k2, err := DeriveKey(secret, PurposeAuthState)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveKey(secret, "other")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = DeriveKey(nil, PurposeAuthState)
	assert.Error(t, err)
}

func TestValidateSignedData(t *testing.T) {
	key := []byte("key")
	sig := SignData("payload", key)
	assert.True(t, ValidateSignedData("payload", sig, key))
	assert.False(t, ValidateSignedData("payload2", sig, key))
	assert.False(t, ValidateSignedData("payload", "!!!", key))
	assert.True(t, EqualStrings("a", "a"))
	assert.False(t, EqualStrings("a", "b"))
}
