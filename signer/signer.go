// Package signer provides the bundle signing key sources. The deployment
// environment supplies the key either as a 32-byte seed (from which the
// secp256k1 signing key is derived) or through a Vault KV mount. Signatures
// are compact recoverable secp256k1 over 32-byte digests; the signer identity
// is the hex address of the signing key, distributable for verification.
package signer

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// keyDerivationInfo binds derived keys to this subsystem so the same seed
// used elsewhere yields unrelated keys.
const keyDerivationInfo = "federation-policy-bundle-signing-v1"

// Signer signs aggregate bundle digests with a secp256k1 key.
type Signer struct {
	key      *ecdsa.PrivateKey
	signerID string
}

// NewFromSeed derives the signing key from a seed of at least 32 bytes using
// HKDF-SHA256. The same seed always yields the same key, so a restarted hub
// keeps its published signer identity.
func NewFromSeed(seed []byte) (*Signer, error) {
	if len(seed) < 32 {
		return nil, errors.New("signing seed must be at least 32 bytes")
	}

	reader := hkdf.New(sha256.New, seed, nil, []byte(keyDerivationInfo))

	// Rejection-sample until the candidate is a valid scalar; ToECDSA
	// rejects out-of-range values.
	for attempt := 0; attempt < 16; attempt++ {
		candidate := make([]byte, 32)
		if _, err := io.ReadFull(reader, candidate); err != nil {
			return nil, fmt.Errorf("key derivation failed: %w", err)
		}
		key, err := crypto.ToECDSA(candidate)
		if err != nil {
			continue
		}
		return newSigner(key), nil
	}
	return nil, errors.New("key derivation failed: no valid scalar produced")
}

// NewFromKeyBytes builds a signer from a raw 32-byte secp256k1 private key.
func NewFromKeyBytes(raw []byte) (*Signer, error) {
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return newSigner(key), nil
}

func newSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:      key,
		signerID: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

// Sign produces a 65-byte compact recoverable signature over the digest.
func (s *Signer) Sign(digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	return sig, nil
}

// SignerID returns the hex address identifying the signing key.
func (s *Signer) SignerID() string {
	return s.signerID
}

// Verify checks a compact recoverable signature over the digest against the
// expected signer identity. Returns ErrSignatureMismatch when the recovered
// key does not match.
func Verify(digest [32]byte, signature []byte, expectedSignerID string) error {
	if len(signature) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", interfaces.ErrSignatureMismatch, len(signature))
	}

	pub, err := crypto.SigToPub(digest[:], signature)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSignatureMismatch, err)
	}

	recovered := crypto.PubkeyToAddress(*pub).Hex()
	if recovered != expectedSignerID {
		return fmt.Errorf("%w: recovered signer %s, expected %s", interfaces.ErrSignatureMismatch, recovered, expectedSignerID)
	}
	return nil
}
