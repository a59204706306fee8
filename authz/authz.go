// Package authz implements the constraint authorizer: the decision function
// that gates creation and deletion of trust relationships between federation
// members. The rule ordering is load-bearing — hub protection is evaluated
// before tenant scoping, so a tenant administrator can never smuggle a
// hub-touching relationship through the own-tenant branch.
package authz

import (
	"fmt"

	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// Role is the closed set of actor roles. There are no string-literal role
// checks anywhere; parsing happens once at the boundary.
type Role int

const (
	// RoleNone is an unauthenticated or unrecognized actor.
	RoleNone Role = iota

	// RoleTenantAdmin administers a single federation member and may only
	// act on relationships owned by that member.
	RoleTenantAdmin

	// RoleHubAdmin administers the federation as a whole.
	RoleHubAdmin
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleTenantAdmin:
		return "tenant_admin"
	case RoleHubAdmin:
		return "hub_admin"
	default:
		return "none"
	}
}

// ParseRole converts a role name to its enum value. Unknown names map to
// RoleNone rather than an error; RoleNone is denied by the default rule.
func ParseRole(s string) Role {
	switch s {
	case "tenant_admin":
		return RoleTenantAdmin
	case "hub_admin":
		return RoleHubAdmin
	default:
		return RoleNone
	}
}

// Actor is the authenticated principal requesting a relationship change.
type Actor struct {
	Role       Role
	Tenant     interfaces.InstanceCode
	TrustLevel interfaces.TrustLevel
}

// topTier reports whether the actor holds the top trust tier.
func (a Actor) topTier() bool {
	return a.TrustLevel.AtLeast(interfaces.TrustFull)
}

// federationWide reports whether the actor may act on any member pair.
func (a Actor) federationWide() bool {
	return a.Role == RoleHubAdmin || a.topTier()
}

// RelationshipChange describes the relationship being created, modified or
// deleted.
type RelationshipChange struct {
	Type          interfaces.RelationshipType
	OwnerTenant   interfaces.InstanceCode
	PartnerTenant interfaces.InstanceCode
}

// Decision is the authorization outcome. Reason names the matched rule so
// operators can distinguish wrong credentials from insufficient privilege.
type Decision struct {
	Allow  bool
	Rule   string
	Reason string
}

// Rule identifiers reported in decisions and failure payloads.
const (
	RuleSelfRelationship = "self_relationship"
	RuleHubSpokeTier     = "hub_spoke_requires_top_tier"
	RuleHubInvolvement   = "hub_involvement_requires_top_tier"
	RuleTenantScope      = "tenant_scope"
	RuleDefaultDeny      = "default_deny"
)

// Authorize evaluates the relationship constraint rules in strict order;
// the first matching rule wins.
//
//  1. A member cannot hold a relationship with itself.
//  2. hub_spoke relationships require the top trust tier.
//  3. Any relationship touching the hub tenant requires the top trust tier.
//  4. spoke↔spoke: a tenant-scoped actor may act only on relationships its
//     own tenant owns; a federation-wide actor may act on any pair.
//  5. Everything else is denied.
func Authorize(actor Actor, change RelationshipChange) Decision {
	// Rule 1: self-relationship is invalid regardless of privilege.
	if change.OwnerTenant == change.PartnerTenant {
		return Decision{
			Allow:  false,
			Rule:   RuleSelfRelationship,
			Reason: fmt.Sprintf("member %s cannot hold a relationship with itself", change.OwnerTenant),
		}
	}

	// Rule 2: hub-spoke relationships are reserved for the top tier.
	if change.Type == interfaces.RelationshipHubSpoke {
		if actor.topTier() {
			return Decision{Allow: true, Rule: RuleHubSpokeTier}
		}
		return Decision{
			Allow:  false,
			Rule:   RuleHubSpokeTier,
			Reason: "hub-spoke requires top tier",
		}
	}

	// Rule 3: hub involvement, checked before tenant scoping.
	if change.OwnerTenant.IsHub() || change.PartnerTenant.IsHub() {
		if actor.topTier() {
			return Decision{Allow: true, Rule: RuleHubInvolvement}
		}
		return Decision{
			Allow:  false,
			Rule:   RuleHubInvolvement,
			Reason: "HUB involvement requires top tier",
		}
	}

	// Rule 4: spoke↔spoke tenant scoping.
	switch actor.Role {
	case RoleTenantAdmin:
		if actor.federationWide() || change.OwnerTenant == actor.Tenant {
			return Decision{Allow: true, Rule: RuleTenantScope}
		}
		return Decision{
			Allow:  false,
			Rule:   RuleTenantScope,
			Reason: fmt.Sprintf("tenant %s may only manage relationships owned by %s", actor.Tenant, actor.Tenant),
		}
	case RoleHubAdmin:
		return Decision{Allow: true, Rule: RuleTenantScope}
	}

	// Rule 5: default deny.
	return Decision{
		Allow:  false,
		Rule:   RuleDefaultDeny,
		Reason: "no rule grants this actor the requested change",
	}
}
