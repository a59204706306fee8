package interfaces

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// BundleHash is the 32-byte SHA-256 digest of a bundle's contents. A bundle's
// hash is a pure function of its contents.
type BundleHash [32]byte

// ComputeBundleHash calculates the content hash of bundle data.
func ComputeBundleHash(data []byte) BundleHash {
	return BundleHash(sha256.Sum256(data))
}

// NewBundleHashFromHex parses a 64-character hex digest.
func NewBundleHashFromHex(source string) (BundleHash, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return BundleHash{}, errors.New("invalid bundle hash length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return BundleHash{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash BundleHash
	copy(hash[:], raw)
	return hash, nil
}

// String returns the hex representation of the hash.
func (h BundleHash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the raw 32-byte digest.
func (h BundleHash) Bytes() []byte {
	return h[:]
}

// Equal compares two bundle hashes.
func (h BundleHash) Equal(other BundleHash) bool {
	return bytes.Equal(h[:], other[:])
}

// MarshalJSON encodes the hash as a hex string.
func (h BundleHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex-encoded hash.
func (h *BundleHash) UnmarshalJSON(data []byte) error {
	var source string
	if err := json.Unmarshal(data, &source); err != nil {
		return err
	}
	parsed, err := NewBundleHashFromHex(source)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HasPrefix reports whether the hex form of the hash starts with the given
// hex prefix. Used by the public verify endpoint.
func (h BundleHash) HasPrefix(prefix string) bool {
	clean := strings.ToLower(strings.TrimPrefix(prefix, "0x"))
	return clean != "" && strings.HasPrefix(h.String(), clean)
}

// ManifestFile describes one policy source file included in a bundle.
type ManifestFile struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// BundleManifest enumerates the content of a policy bundle.
type BundleManifest struct {
	Revision string         `json:"revision"`
	Roots    []string       `json:"roots"`
	Files    []ManifestFile `json:"files"`
}

// PolicyBundle is an immutable, content-addressed snapshot of policy files
// for one or more scopes. A bundle is either fully signed or explicitly
// unsigned; partial signing states do not exist.
type PolicyBundle struct {
	BundleID   string         `json:"bundleId"`
	Version    string         `json:"version"`
	Hash       BundleHash     `json:"hash"`
	Scopes     ScopeSet       `json:"scopes"`
	Manifest   BundleManifest `json:"manifest"`
	Contents   []byte         `json:"-"`
	Compressed bool           `json:"compressed"`
	CreatedAt  time.Time      `json:"createdAt"`
	Signature  []byte         `json:"signature,omitempty"`
	SignedAt   *time.Time     `json:"signedAt,omitempty"`
	SignedBy   string         `json:"signedBy,omitempty"`
}

// Signed reports whether the bundle carries a signature.
func (b *PolicyBundle) Signed() bool {
	return len(b.Signature) > 0
}

// BuildResult summarizes a completed bundle build for API consumers.
type BuildResult struct {
	BundleID  string   `json:"bundleId"`
	Version   string   `json:"version"`
	Hash      string   `json:"hash"`
	Size      int      `json:"size"`
	FileCount int      `json:"fileCount"`
	Scopes    ScopeSet `json:"scopes"`
	Signature string   `json:"signature,omitempty"`
	SignedBy  string   `json:"signedBy,omitempty"`
}

// SyncState classifies how far a spoke has fallen behind the authoritative
// bundle version. It is recomputed on read, never stored as independent truth.
type SyncState int

const (
	SyncCurrent SyncState = iota
	SyncBehind
	SyncStale
	SyncCriticalStale
	SyncOffline
)

// String returns the state name.
func (s SyncState) String() string {
	switch s {
	case SyncCurrent:
		return "current"
	case SyncBehind:
		return "behind"
	case SyncStale:
		return "stale"
	case SyncCriticalStale:
		return "critical_stale"
	case SyncOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ParseSyncState converts a state name back to its enum value.
func ParseSyncState(s string) (SyncState, error) {
	switch s {
	case "current":
		return SyncCurrent, nil
	case "behind":
		return SyncBehind, nil
	case "stale":
		return SyncStale, nil
	case "critical_stale":
		return SyncCriticalStale, nil
	case "offline":
		return SyncOffline, nil
	default:
		return 0, fmt.Errorf("unknown sync state %q", s)
	}
}

// MarshalJSON encodes the state as its name.
func (s SyncState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *SyncState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSyncState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SpokeSyncStatus is the derived sync record for one spoke.
type SpokeSyncStatus struct {
	SpokeID        SpokeID      `json:"spokeId"`
	InstanceCode   InstanceCode `json:"instanceCode"`
	CurrentVersion string       `json:"currentVersion"`
	LastSyncTime   *time.Time   `json:"lastSyncTime,omitempty"`
	Status         SyncState    `json:"status"`
}

// InstancePolicyStatus is one federation member's self-reported policy
// version, sampled during a drift check cycle.
type InstancePolicyStatus struct {
	InstanceCode  InstanceCode `json:"instanceCode"`
	PolicyVersion string       `json:"policyVersion,omitempty"`
	Healthy       bool         `json:"healthy"`
	LatencyMs     int64        `json:"latencyMs"`
	LastChecked   time.Time    `json:"lastChecked"`
	Error         string       `json:"error,omitempty"`
}

// PolicyDriftReport is the outcome of one drift check cycle. Consistent is
// true iff the healthy instances report at most one distinct version.
type PolicyDriftReport struct {
	Consistent        bool                   `json:"consistent"`
	CheckTimestamp    time.Time              `json:"checkTimestamp"`
	ExpectedVersion   string                 `json:"expectedVersion"`
	Instances         []InstancePolicyStatus `json:"instances"`
	DriftingInstances []InstanceCode         `json:"driftingInstances,omitempty"`
	DriftDetails      string                 `json:"driftDetails,omitempty"`
}
