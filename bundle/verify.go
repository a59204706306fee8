package bundle

import (
	"encoding/json"
	"fmt"

	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/signer"
)

// VerifySignature checks a bundle's signature against the expected signer
// identity. The content hash is recomputed from the bundle contents, so a
// single mutated byte fails verification.
//
// Returns ErrUnsigned when the bundle carries no signature, ErrKeyNotFound
// when no signer identity is available to verify against, and
// ErrSignatureMismatch when cryptographic verification fails.
func VerifySignature(b *interfaces.PolicyBundle, expectedSignerID string) error {
	if b == nil || !b.Signed() {
		return interfaces.ErrUnsigned
	}
	if expectedSignerID == "" {
		return interfaces.ErrKeyNotFound
	}

	recomputed := interfaces.ComputeBundleHash(b.Contents)
	if !recomputed.Equal(b.Hash) {
		return fmt.Errorf("%w: contents do not match recorded hash", interfaces.ErrSignatureMismatch)
	}

	return signer.Verify(SigningDigest(recomputed), b.Signature, expectedSignerID)
}

// ScopesAuthorized checks a scope request against the effective scopes a
// token grants. A request is authorized iff every requested scope is the
// base scope, present in the granted set, or the granted set holds the
// wildcard. Returns ErrScopeDenied naming the first offending scope.
func ScopesAuthorized(requested []string, granted interfaces.ScopeSet) error {
	if granted.HasWildcard() {
		return nil
	}
	for _, raw := range requested {
		scope := interfaces.NormalizeScope(raw)
		if scope == "" || scope == interfaces.BaseScope {
			continue
		}
		if !granted.Contains(scope) {
			return fmt.Errorf("%w: %s", interfaces.ErrScopeDenied, scope)
		}
	}
	return nil
}

func manifestJSON(b *interfaces.PolicyBundle) ([]byte, error) {
	return json.MarshalIndent(struct {
		BundleID string                    `json:"bundleId"`
		Version  string                    `json:"version"`
		Hash     string                    `json:"hash"`
		Manifest interfaces.BundleManifest `json:"manifest"`
		SignedBy string                    `json:"signedBy,omitempty"`
	}{
		BundleID: b.BundleID,
		Version:  b.Version,
		Hash:     b.Hash.String(),
		Manifest: b.Manifest,
		SignedBy: b.SignedBy,
	}, "", "  ")
}
