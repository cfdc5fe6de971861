package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestAEADCipher_RoundTrip(t *testing.T) {
	c, err := NewAEADCipher(testKey(1))
	require.NoError(t, err)

	ct, err := c.Encrypt("refresh-token-plaintext")
	require.NoError(t, err)
	require.NotEqual(t, "refresh-token-plaintext", ct)

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "refresh-token-plaintext", pt)
}

func TestAEADCipher_NonceUniqueness(t *testing.T) {
	c, err := NewAEADCipher(testKey(1))
	require.NoError(t, err)

	first, err := c.Encrypt("same-input")
	require.NoError(t, err)
	second, err := c.Encrypt("same-input")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestAEADCipher_WrongKeyFails(t *testing.T) {
	a, err := NewAEADCipher(testKey(1))
	require.NoError(t, err)
	b, err := NewAEADCipher(testKey(2))
	require.NoError(t, err)

	ct, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(ct)
	require.Error(t, err)
}

func TestAEADCipher_RejectsBadInput(t *testing.T) {
	c, err := NewAEADCipher(testKey(1))
	require.NoError(t, err)

	_, err = c.Decrypt("not-a-ciphertext")
	require.Error(t, err)
	_, err = c.Decrypt("")
	require.Error(t, err)
}

func TestNewAEADCipher_KeySize(t *testing.T) {
	_, err := NewAEADCipher(make([]byte, 16))
	require.Error(t, err)
	_, err = NewAEADCipher(nil)
	require.Error(t, err)
}

func TestIntegrityVerifier(t *testing.T) {
	v := NewIntegrityVerifier([]byte("binding-secret"))

	hash := v.Bind("state-1", "srv-1", "user-1")
	require.True(t, v.Verify(hash, "state-1", "srv-1", "user-1"))

	// Any substituted component breaks the binding.
	require.False(t, v.Verify(hash, "state-2", "srv-1", "user-1"))
	require.False(t, v.Verify(hash, "state-1", "srv-2", "user-1"))
	require.False(t, v.Verify(hash, "state-1", "srv-1", "user-2"))

	// A verifier with a different secret never accepts.
	other := NewIntegrityVerifier([]byte("other-secret"))
	require.False(t, other.Verify(hash, "state-1", "srv-1", "user-1"))
}

func TestIntegrityVerifier_ComponentShiftRejected(t *testing.T) {
	v := NewIntegrityVerifier([]byte("binding-secret"))
	// Concatenation is delimited, so moving a boundary must not collide.
	hash := v.Bind("ab", "c", "user-1")
	require.False(t, v.Verify(hash, "a", "bc", "user-1"))
}
