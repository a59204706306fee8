package signer

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// TestNewFromSeed_Deterministic checks the seed-to-key derivation is stable
// so a restarted hub keeps its published signer identity.
func TestNewFromSeed_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x11}, 32)

	s1, err := NewFromSeed(seed)
	require.NoError(t, err)
	s2, err := NewFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, s1.SignerID(), s2.SignerID())

	other, err := NewFromSeed(bytes.Repeat([]byte{0x22}, 32))
	require.NoError(t, err)
	assert.NotEqual(t, s1.SignerID(), other.SignerID())

	_, err = NewFromSeed([]byte("too short"))
	assert.Error(t, err)
}

// TestSignVerify_RoundTrip signs a digest and verifies it against the
// published signer identity.
func TestSignVerify_RoundTrip(t *testing.T) {
	s, err := NewFromSeed(bytes.Repeat([]byte{0x33}, 32))
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("policy bundle"))
	sig, err := s.Sign(digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	require.NoError(t, Verify(digest, sig, s.SignerID()))

	// Wrong expected identity.
	other, err := NewFromSeed(bytes.Repeat([]byte{0x44}, 32))
	require.NoError(t, err)
	assert.ErrorIs(t, Verify(digest, sig, other.SignerID()), interfaces.ErrSignatureMismatch)

	// Different digest does not verify as the original signer.
	wrongDigest := sha256.Sum256([]byte("tampered bundle"))
	assert.ErrorIs(t, Verify(wrongDigest, sig, s.SignerID()), interfaces.ErrSignatureMismatch)

	// Truncated signature.
	assert.ErrorIs(t, Verify(digest, sig[:64], s.SignerID()), interfaces.ErrSignatureMismatch)
}
