// Package interfaces defines the core types and contracts for the federation
// trust and policy distribution system. It provides the contract between
// components without implementation details.
package interfaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// SpokeID uniquely identifies a federated spoke. Generated at approval time.
type SpokeID string

// NewSpokeID generates a fresh random spoke identifier.
func NewSpokeID() SpokeID {
	return SpokeID(uuid.Must(uuid.NewRandom()).String())
}

// String returns the identifier as a string.
func (id SpokeID) String() string {
	return string(id)
}

// Validate checks that the identifier is a well-formed UUID.
func (id SpokeID) Validate() error {
	if _, err := uuid.Parse(string(id)); err != nil {
		return fmt.Errorf("invalid spoke id %q: %w", id, err)
	}
	return nil
}

var instanceCodeRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,7}$`)

// InstanceCode is the short national or organizational code of a federation
// member, unique across the federation. Stored uppercase.
type InstanceCode string

// HubInstanceCode is the distinguished code of the hub instance. Any
// relationship touching it requires the top trust tier (see authz).
const HubInstanceCode InstanceCode = "HUB"

// NewInstanceCode normalizes and validates a member code.
func NewInstanceCode(code string) (InstanceCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if !instanceCodeRegex.MatchString(normalized) {
		return "", fmt.Errorf("invalid instance code %q: must be 2-8 uppercase alphanumeric characters", code)
	}
	return InstanceCode(normalized), nil
}

// String returns the code as a string.
func (c InstanceCode) String() string {
	return string(c)
}

// IsHub reports whether the code identifies the hub instance.
func (c InstanceCode) IsHub() bool {
	return c == HubInstanceCode
}

// SpokeStatus is the registration lifecycle state of a spoke.
type SpokeStatus int

const (
	// StatusPending is the initial state after a registration request.
	StatusPending SpokeStatus = iota

	// StatusApproved means the spoke is an active federation member.
	StatusApproved

	// StatusSuspended is a reversible deactivation; tokens are revoked.
	StatusSuspended

	// StatusRevoked is terminal; the spoke can never be reinstated.
	StatusRevoked
)

// String returns the status name.
func (s SpokeStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusSuspended:
		return "suspended"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// ParseSpokeStatus converts a status name back to its enum value.
func ParseSpokeStatus(s string) (SpokeStatus, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "approved":
		return StatusApproved, nil
	case "suspended":
		return StatusSuspended, nil
	case "revoked":
		return StatusRevoked, nil
	default:
		return 0, fmt.Errorf("unknown spoke status %q", s)
	}
}

// MarshalJSON encodes the status as its name.
func (s SpokeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *SpokeStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSpokeStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransitionTo reports whether the lifecycle move is legal. Allowed moves:
// pending→approved, approved→suspended, approved→revoked, suspended→approved
// (reinstatement), suspended→revoked. Revoked is terminal.
func (s SpokeStatus) CanTransitionTo(next SpokeStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved
	case StatusApproved:
		return next == StatusSuspended || next == StatusRevoked
	case StatusSuspended:
		return next == StatusApproved || next == StatusRevoked
	default:
		return false
	}
}

// TrustLevel orders the privilege tiers a spoke can be assigned. Higher values
// carry more privilege; TrustFull is the top tier required for hub-touching
// relationships.
type TrustLevel int

const (
	TrustBasic TrustLevel = iota + 1
	TrustStandard
	TrustElevated
	TrustFull
)

// String returns the tier name.
func (l TrustLevel) String() string {
	switch l {
	case TrustBasic:
		return "basic"
	case TrustStandard:
		return "standard"
	case TrustElevated:
		return "elevated"
	case TrustFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseTrustLevel converts a tier name back to its enum value.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch s {
	case "basic":
		return TrustBasic, nil
	case "standard":
		return TrustStandard, nil
	case "elevated":
		return TrustElevated, nil
	case "full":
		return TrustFull, nil
	default:
		return 0, fmt.Errorf("unknown trust level %q", s)
	}
}

// MarshalJSON encodes the tier as its name. The zero value, present on
// registrations not yet approved, encodes as the empty string.
func (l TrustLevel) MarshalJSON() ([]byte, error) {
	if l == 0 {
		return json.Marshal("")
	}
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a tier name.
func (l *TrustLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if name == "" {
		*l = 0
		return nil
	}
	parsed, err := ParseTrustLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// AtLeast reports whether the level meets or exceeds the given tier.
func (l TrustLevel) AtLeast(other TrustLevel) bool {
	return l >= other
}

// Scope names a partition of policy content. The base scope is always
// distributable; the wildcard scope grants access to every scope.
const (
	BaseScope     = "base"
	WildcardScope = "*"
)

// NormalizeScope lowercases and trims a scope name.
func NormalizeScope(scope string) string {
	return strings.ToLower(strings.TrimSpace(scope))
}

// ScopeSet is a normalized, sorted, deduplicated set of scope names.
type ScopeSet []string

// NewScopeSet builds a scope set from raw scope names.
func NewScopeSet(scopes ...string) ScopeSet {
	seen := make(map[string]struct{}, len(scopes))
	out := make(ScopeSet, 0, len(scopes))
	for _, s := range scopes {
		normalized := NormalizeScope(s)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether the set includes the (normalized) scope.
func (s ScopeSet) Contains(scope string) bool {
	normalized := NormalizeScope(scope)
	for _, v := range s {
		if v == normalized {
			return true
		}
	}
	return false
}

// HasWildcard reports whether the set grants access to all scopes.
func (s ScopeSet) HasWildcard() bool {
	return s.Contains(WildcardScope)
}

// Intersect returns scopes present in both sets.
func (s ScopeSet) Intersect(other ScopeSet) ScopeSet {
	out := make([]string, 0, len(s))
	for _, v := range s {
		if other.Contains(v) {
			out = append(out, v)
		}
	}
	return NewScopeSet(out...)
}

// Union returns scopes present in either set.
func (s ScopeSet) Union(other ScopeSet) ScopeSet {
	return NewScopeSet(append(append([]string{}, s...), other...)...)
}

// SubsetOf reports whether every scope in the set is present in other. A
// wildcard in other covers everything.
func (s ScopeSet) SubsetOf(other ScopeSet) bool {
	if other.HasWildcard() {
		return true
	}
	for _, v := range s {
		if !other.Contains(v) {
			return false
		}
	}
	return true
}

// String returns the comma-joined scope list.
func (s ScopeSet) String() string {
	return strings.Join(s, ",")
}

// Classification orders the data sensitivity markings a spoke may receive.
type Classification int

const (
	ClassUnclassified Classification = iota + 1
	ClassRestricted
	ClassConfidential
	ClassSecret
)

// String returns the marking name.
func (c Classification) String() string {
	switch c {
	case ClassUnclassified:
		return "unclassified"
	case ClassRestricted:
		return "restricted"
	case ClassConfidential:
		return "confidential"
	case ClassSecret:
		return "secret"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the marking as its name. The zero value, present on
// registrations not yet approved, encodes as the empty string.
func (c Classification) MarshalJSON() ([]byte, error) {
	if c == 0 {
		return json.Marshal("")
	}
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a marking name.
func (c *Classification) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if name == "" {
		*c = 0
		return nil
	}
	parsed, err := ParseClassification(name)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClassification converts a marking name back to its enum value.
func ParseClassification(s string) (Classification, error) {
	switch s {
	case "unclassified":
		return ClassUnclassified, nil
	case "restricted":
		return ClassRestricted, nil
	case "confidential":
		return ClassConfidential, nil
	case "secret":
		return ClassSecret, nil
	default:
		return 0, fmt.Errorf("unknown classification %q", s)
	}
}

var fingerprintRegex = regexp.MustCompile(`^[0-9A-F]{40,128}$`)

// CertificateFingerprint is an uppercase hex digest of a member certificate.
type CertificateFingerprint string

// NewCertificateFingerprint normalizes and validates a fingerprint.
// Empty input is allowed; the fingerprint is optional on a registration.
func NewCertificateFingerprint(fp string) (CertificateFingerprint, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
	if normalized == "" {
		return "", nil
	}
	if !fingerprintRegex.MatchString(normalized) {
		return "", errors.New("invalid certificate fingerprint: must be uppercase hex")
	}
	return CertificateFingerprint(normalized), nil
}

// String returns the fingerprint as a string.
func (fp CertificateFingerprint) String() string {
	return string(fp)
}
