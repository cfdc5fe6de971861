package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// IntegrityVerifier binds a PKCE state row to its server and user with a keyed
// hash, so substituting server_id or user_id on a stored row is detectable.
type IntegrityVerifier struct {
	key []byte
}

// NewIntegrityVerifier constructs a verifier from the shared state secret.
func NewIntegrityVerifier(secret []byte) *IntegrityVerifier {
	return &IntegrityVerifier{key: secret}
}

// Bind computes HMAC-SHA256 over the NUL-delimited components. The delimiter
// keeps component boundaries unambiguous.
func (v *IntegrityVerifier) Bind(state, serverID, userID string) []byte {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(state))
	mac.Write([]byte{0})
	mac.Write([]byte(serverID))
	mac.Write([]byte{0})
	mac.Write([]byte(userID))
	return mac.Sum(nil)
}

// Verify recomputes the binding and compares it in constant time.
func (v *IntegrityVerifier) Verify(stored []byte, state, serverID, userID string) bool {
	return hmac.Equal(stored, v.Bind(state, serverID, userID))
}
