package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignData returns the base64url HMAC-SHA256 of data under key.
func SignData(data string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignedData checks signature against data in constant time.
func ValidateSignedData(data, signature string, key []byte) bool {
	want, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hmac.Equal(mac.Sum(nil), want)
}

// EqualStrings compares two strings in constant time.
func EqualStrings(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
