package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fedtrust/federation-policy-backend/authz"
	"github.com/fedtrust/federation-policy-backend/interfaces"
)

// AuthzError carries a denied authorization decision across the error
// boundary so transports can surface the matched rule.
type AuthzError struct {
	Decision authz.Decision
}

// Error returns the rule and reason of the denial.
func (e *AuthzError) Error() string {
	return fmt.Sprintf("relationship change denied by %s: %s", e.Decision.Rule, e.Decision.Reason)
}

// RelationshipRequest carries the fields of a proposed trust link.
type RelationshipRequest struct {
	Type            interfaces.RelationshipType
	OwnerInstance   interfaces.InstanceCode
	PartnerInstance interfaces.InstanceCode
}

// CreateRelationship records a trust link between two members. The change is
// gated by the constraint authorizer; both members must be known and the
// non-hub sides must be active. Duplicate owner/partner/type triples fail
// with ErrRelationshipExists.
func (r *SpokeRegistry) CreateRelationship(ctx context.Context, actor authz.Actor, req RelationshipRequest, actorName string) (*interfaces.TrustRelationship, error) {
	decision := authz.Authorize(actor, authz.RelationshipChange{
		Type:          req.Type,
		OwnerTenant:   req.OwnerInstance,
		PartnerTenant: req.PartnerInstance,
	})
	if !decision.Allow {
		r.log.Warn("Relationship creation denied",
			slog.String("rule", decision.Rule),
			slog.String("reason", decision.Reason),
			slog.String("owner", req.OwnerInstance.String()),
			slog.String("partner", req.PartnerInstance.String()))
		return nil, &AuthzError{Decision: decision}
	}

	for _, code := range []interfaces.InstanceCode{req.OwnerInstance, req.PartnerInstance} {
		if code.IsHub() {
			continue
		}
		reg, err := r.store.GetSpokeByInstanceCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrSpokeNotFound, code)
		}
		if !reg.IsActive() {
			return nil, fmt.Errorf("%w: %s is %s", interfaces.ErrInvalidTransition, code, reg.Status)
		}
	}

	existing, err := r.store.ListRelationships(ctx)
	if err != nil {
		return nil, err
	}
	for _, rel := range existing {
		if rel.Type == req.Type && rel.OwnerInstance == req.OwnerInstance && rel.PartnerInstance == req.PartnerInstance {
			return nil, fmt.Errorf("%w: %s→%s", interfaces.ErrRelationshipExists, req.OwnerInstance, req.PartnerInstance)
		}
	}

	rel := &interfaces.TrustRelationship{
		RelationshipID:  uuid.Must(uuid.NewRandom()).String(),
		Type:            req.Type,
		OwnerInstance:   req.OwnerInstance,
		PartnerInstance: req.PartnerInstance,
		CreatedBy:       actorName,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.store.PutRelationship(ctx, rel); err != nil {
		return nil, fmt.Errorf("failed to store relationship: %w", err)
	}

	r.log.Info("Trust relationship created",
		slog.String("relationshipId", rel.RelationshipID),
		slog.String("type", rel.Type.String()),
		slog.String("owner", rel.OwnerInstance.String()),
		slog.String("partner", rel.PartnerInstance.String()))
	r.audit.Append(EventRelationshipCreate, actorName, "", req.OwnerInstance,
		fmt.Sprintf("%s %s→%s", req.Type, req.OwnerInstance, req.PartnerInstance))

	return rel, nil
}

// DeleteRelationship removes a trust link, gated by the same authorizer rules
// as creation.
func (r *SpokeRegistry) DeleteRelationship(ctx context.Context, actor authz.Actor, relationshipID, actorName string) error {
	rel, err := r.store.GetRelationship(ctx, relationshipID)
	if err != nil {
		return err
	}

	decision := authz.Authorize(actor, authz.RelationshipChange{
		Type:          rel.Type,
		OwnerTenant:   rel.OwnerInstance,
		PartnerTenant: rel.PartnerInstance,
	})
	if !decision.Allow {
		r.log.Warn("Relationship deletion denied",
			slog.String("rule", decision.Rule),
			slog.String("reason", decision.Reason),
			slog.String("relationshipId", relationshipID))
		return &AuthzError{Decision: decision}
	}

	if err := r.store.DeleteRelationship(ctx, relationshipID); err != nil {
		return err
	}

	r.audit.Append(EventRelationshipDelete, actorName, "", rel.OwnerInstance,
		fmt.Sprintf("%s %s→%s removed", rel.Type, rel.OwnerInstance, rel.PartnerInstance))
	return nil
}

// ListRelationships returns every recorded trust link.
func (r *SpokeRegistry) ListRelationships(ctx context.Context) ([]*interfaces.TrustRelationship, error) {
	return r.store.ListRelationships(ctx)
}

// RelationshipsFor returns the trust links touching one member.
func (r *SpokeRegistry) RelationshipsFor(ctx context.Context, code interfaces.InstanceCode) ([]*interfaces.TrustRelationship, error) {
	all, err := r.store.ListRelationships(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*interfaces.TrustRelationship, 0)
	for _, rel := range all {
		if rel.Touches(code) {
			out = append(out, rel)
		}
	}
	return out, nil
}
