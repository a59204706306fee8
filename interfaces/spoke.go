package interfaces

import (
	"encoding/json"
	"time"
)

// SpokeRegistration is the durable record of one federated member.
//
// Invariants:
//   - SpokeID and InstanceCode are each globally unique among non-revoked
//     registrations.
//   - Status only moves along the transitions allowed by
//     SpokeStatus.CanTransitionTo.
type SpokeRegistration struct {
	SpokeID             SpokeID                `json:"spokeId"`
	InstanceCode        InstanceCode           `json:"instanceCode"`
	Status              SpokeStatus            `json:"status"`
	TrustLevel          TrustLevel             `json:"trustLevel"`
	AllowedPolicyScopes ScopeSet               `json:"allowedPolicyScopes"`
	MaxClassification   Classification         `json:"maxClassificationAllowed"`
	CertFingerprint     CertificateFingerprint `json:"certificateFingerprint,omitempty"`
	APIURL              string                 `json:"apiUrl"`
	IDPPublicURL        string                 `json:"idpPublicUrl"`
	LastHeartbeat       *time.Time             `json:"lastHeartbeat,omitempty"`
	RegisteredAt        time.Time              `json:"registeredAt"`
	StatusReason        string                 `json:"statusReason,omitempty"`
}

// IsActive reports whether the spoke is an approved federation member.
func (r *SpokeRegistration) IsActive() bool {
	return r.Status == StatusApproved
}

// HeartbeatAge returns the time since the last heartbeat, or a negative
// duration if the spoke has never sent one.
func (r *SpokeRegistration) HeartbeatAge(now time.Time) time.Duration {
	if r.LastHeartbeat == nil {
		return -1
	}
	return now.Sub(*r.LastHeartbeat)
}

// SpokeToken is a bearer credential bound to one spoke. The scope list is a
// snapshot from issuance time; callers must re-check it against the live
// registration so that narrowing a spoke's scopes immediately narrows what
// its outstanding tokens can do.
type SpokeToken struct {
	Token     string    `json:"token"`
	SpokeID   SpokeID   `json:"spokeId"`
	Scopes    ScopeSet  `json:"scopes"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the token has passed its expiry.
func (t *SpokeToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// RelationshipType distinguishes hub↔spoke from spoke↔spoke trust links.
type RelationshipType int

const (
	RelationshipSpokeSpoke RelationshipType = iota + 1
	RelationshipHubSpoke
)

// String returns the relationship type name.
func (rt RelationshipType) String() string {
	switch rt {
	case RelationshipSpokeSpoke:
		return "spoke_spoke"
	case RelationshipHubSpoke:
		return "hub_spoke"
	default:
		return "unknown"
	}
}

// ParseRelationshipType converts a type name back to its enum value.
func ParseRelationshipType(s string) (RelationshipType, error) {
	switch s {
	case "spoke_spoke":
		return RelationshipSpokeSpoke, nil
	case "hub_spoke":
		return RelationshipHubSpoke, nil
	default:
		return 0, ErrInvalidRelationshipType
	}
}

// MarshalJSON encodes the relationship type as its name.
func (rt RelationshipType) MarshalJSON() ([]byte, error) {
	return json.Marshal(rt.String())
}

// UnmarshalJSON decodes a relationship type name.
func (rt *RelationshipType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseRelationshipType(name)
	if err != nil {
		return err
	}
	*rt = parsed
	return nil
}

// TrustRelationship is a durable trust link between two federation members.
// Creation and deletion are gated by the constraint authorizer.
type TrustRelationship struct {
	RelationshipID  string           `json:"relationshipId"`
	Type            RelationshipType `json:"relationshipType"`
	OwnerInstance   InstanceCode     `json:"ownerInstance"`
	PartnerInstance InstanceCode     `json:"partnerInstance"`
	CreatedBy       string           `json:"createdBy"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// Touches reports whether the relationship involves the given instance.
func (r *TrustRelationship) Touches(code InstanceCode) bool {
	return r.OwnerInstance == code || r.PartnerInstance == code
}
