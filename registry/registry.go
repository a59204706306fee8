// Package registry implements the spoke registry: the registration lifecycle
// of federation members, bearer token issuance and validation, heartbeat
// tracking and the background health sweep.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/metrics"
)

// DefaultTokenTTL is how long an issued bearer token remains valid.
const DefaultTokenTTL = 24 * time.Hour

// SpokeRegistry manages the registration lifecycle and credentials of
// federation spokes. It is constructed once at startup and shared by
// reference; all state lives in the trust store.
type SpokeRegistry struct {
	store    interfaces.TrustStore
	log      *slog.Logger
	tokenTTL time.Duration
	audit    *AuditRing
	now      func() time.Time
}

// Option configures a SpokeRegistry.
type Option func(*SpokeRegistry)

// WithTokenTTL overrides the bearer token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(r *SpokeRegistry) { r.tokenTTL = ttl }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *SpokeRegistry) { r.now = now }
}

// New creates a spoke registry over the given trust store.
func New(store interfaces.TrustStore, log *slog.Logger, opts ...Option) *SpokeRegistry {
	r := &SpokeRegistry{
		store:    store,
		log:      log,
		tokenTTL: DefaultTokenTTL,
		audit:    NewAuditRing(DefaultAuditCapacity),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Audit returns the registry's administrative event ring.
func (r *SpokeRegistry) Audit() *AuditRing {
	return r.audit
}

// RegistrationRequest carries the fields a candidate member submits.
type RegistrationRequest struct {
	InstanceCode    string `json:"instanceCode"`
	APIURL          string `json:"apiUrl"`
	IDPPublicURL    string `json:"idpPublicUrl"`
	CertFingerprint string `json:"certificateFingerprint,omitempty"`
}

// Register records a new spoke in pending status. Fails with
// ErrDuplicateInstance if the instance code is held by any non-revoked
// registration; a revoked member's code may be reused by a fresh candidate.
func (r *SpokeRegistry) Register(ctx context.Context, req RegistrationRequest) (*interfaces.SpokeRegistration, error) {
	code, err := interfaces.NewInstanceCode(req.InstanceCode)
	if err != nil {
		return nil, err
	}

	fingerprint, err := interfaces.NewCertificateFingerprint(req.CertFingerprint)
	if err != nil {
		return nil, err
	}

	existing, err := r.store.GetSpokeByInstanceCode(ctx, code)
	switch {
	case err == nil:
		if existing.Status != interfaces.StatusRevoked {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrDuplicateInstance, code)
		}
	case errors.Is(err, interfaces.ErrSpokeNotFound):
		// Code is free.
	default:
		return nil, fmt.Errorf("failed to check instance code: %w", err)
	}

	reg := &interfaces.SpokeRegistration{
		SpokeID:         interfaces.NewSpokeID(),
		InstanceCode:    code,
		Status:          interfaces.StatusPending,
		CertFingerprint: fingerprint,
		APIURL:          req.APIURL,
		IDPPublicURL:    req.IDPPublicURL,
		RegisteredAt:    r.now().UTC(),
	}

	if err := r.store.PutSpoke(ctx, reg); err != nil {
		return nil, fmt.Errorf("failed to store registration: %w", err)
	}

	r.log.Info("Spoke registered",
		slog.String("spokeId", reg.SpokeID.String()),
		slog.String("instanceCode", code.String()))
	r.audit.Append(EventRegister, "", reg.SpokeID, code, "registration pending approval")

	return reg, nil
}

// ApprovalGrant carries the trust parameters an administrator assigns at
// approval time.
type ApprovalGrant struct {
	TrustLevel        interfaces.TrustLevel
	Scopes            interfaces.ScopeSet
	MaxClassification interfaces.Classification
}

// Approve moves a pending or suspended spoke to approved, assigns its trust
// grant and issues a fresh bearer token bound to the granted scopes. Any
// other source state fails with ErrInvalidTransition.
func (r *SpokeRegistry) Approve(ctx context.Context, id interfaces.SpokeID, grant ApprovalGrant, actor string) (*interfaces.SpokeRegistration, *interfaces.SpokeToken, error) {
	reg, err := r.store.GetSpoke(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if !reg.Status.CanTransitionTo(interfaces.StatusApproved) {
		return nil, nil, fmt.Errorf("%w: cannot approve from %s", interfaces.ErrInvalidTransition, reg.Status)
	}

	reg.Status = interfaces.StatusApproved
	reg.StatusReason = ""
	reg.TrustLevel = grant.TrustLevel
	reg.AllowedPolicyScopes = interfaces.NewScopeSet(grant.Scopes...).Union(interfaces.NewScopeSet(interfaces.BaseScope))
	reg.MaxClassification = grant.MaxClassification

	if err := r.store.PutSpoke(ctx, reg); err != nil {
		return nil, nil, fmt.Errorf("failed to store approval: %w", err)
	}

	token, err := r.issueToken(ctx, reg)
	if err != nil {
		return nil, nil, err
	}

	r.log.Info("Spoke approved",
		slog.String("spokeId", id.String()),
		slog.String("instanceCode", reg.InstanceCode.String()),
		slog.String("trustLevel", grant.TrustLevel.String()),
		slog.String("scopes", reg.AllowedPolicyScopes.String()))
	r.audit.Append(EventApprove, actor, id, reg.InstanceCode,
		fmt.Sprintf("trust=%s scopes=%s", grant.TrustLevel, reg.AllowedPolicyScopes))

	return reg, token, nil
}

// RotateToken revokes all outstanding tokens for an approved spoke and issues
// a replacement bound to the spoke's current scopes.
func (r *SpokeRegistry) RotateToken(ctx context.Context, id interfaces.SpokeID, actor string) (*interfaces.SpokeToken, error) {
	reg, err := r.store.GetSpoke(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.Status != interfaces.StatusApproved {
		return nil, fmt.Errorf("%w: cannot rotate token for %s spoke", interfaces.ErrInvalidTransition, reg.Status)
	}

	if err := r.store.DeleteTokensForSpoke(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to revoke outstanding tokens: %w", err)
	}

	token, err := r.issueToken(ctx, reg)
	if err != nil {
		return nil, err
	}

	r.audit.Append(EventTokenRotate, actor, id, reg.InstanceCode, "token rotated")
	return token, nil
}

func (r *SpokeRegistry) issueToken(ctx context.Context, reg *interfaces.SpokeRegistration) (*interfaces.SpokeToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := r.now().UTC()
	token := &interfaces.SpokeToken{
		Token:     "fst_" + hex.EncodeToString(raw),
		SpokeID:   reg.SpokeID,
		Scopes:    reg.AllowedPolicyScopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(r.tokenTTL),
	}

	if err := r.store.PutToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	return token, nil
}

// deactivate applies suspend or revoke, atomically invalidating every
// outstanding token for the spoke.
func (r *SpokeRegistry) deactivate(ctx context.Context, id interfaces.SpokeID, target interfaces.SpokeStatus, reason, actor string, kind EventKind) (*interfaces.SpokeRegistration, error) {
	reg, err := r.store.GetSpoke(ctx, id)
	if err != nil {
		return nil, err
	}

	if !reg.Status.CanTransitionTo(target) {
		return nil, fmt.Errorf("%w: cannot move from %s to %s", interfaces.ErrInvalidTransition, reg.Status, target)
	}

	reg.Status = target
	reg.StatusReason = reason
	if err := r.store.PutSpoke(ctx, reg); err != nil {
		return nil, fmt.Errorf("failed to store status change: %w", err)
	}

	// Revocation of credentials is all-or-nothing for the spoke.
	if err := r.store.DeleteTokensForSpoke(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to revoke tokens: %w", err)
	}

	r.log.Info("Spoke deactivated",
		slog.String("spokeId", id.String()),
		slog.String("instanceCode", reg.InstanceCode.String()),
		slog.String("status", target.String()),
		slog.String("reason", reason))
	r.audit.Append(kind, actor, id, reg.InstanceCode, reason)

	return reg, nil
}

// Suspend reversibly deactivates an approved spoke and invalidates all of
// its tokens.
func (r *SpokeRegistry) Suspend(ctx context.Context, id interfaces.SpokeID, reason, actor string) (*interfaces.SpokeRegistration, error) {
	return r.deactivate(ctx, id, interfaces.StatusSuspended, reason, actor, EventSuspend)
}

// Revoke terminally deactivates a spoke and invalidates all of its tokens.
// A revoked spoke can never be reinstated.
func (r *SpokeRegistry) Revoke(ctx context.Context, id interfaces.SpokeID, reason, actor string) (*interfaces.SpokeRegistration, error) {
	return r.deactivate(ctx, id, interfaces.StatusRevoked, reason, actor, EventRevoke)
}

// TokenValidation is the successful outcome of ValidateToken. Scopes is the
// intersection of the token's scope snapshot with the spoke's live allowed
// scopes, so narrowing a registration immediately narrows its tokens.
type TokenValidation struct {
	Spoke  *interfaces.SpokeRegistration
	Scopes interfaces.ScopeSet
}

// ValidateToken checks a bearer token and resolves its effective scopes
// against the live registration. Fails with ErrTokenUnknown for absent
// tokens or non-approved spokes and ErrTokenExpired past expiry.
func (r *SpokeRegistry) ValidateToken(ctx context.Context, token string) (*TokenValidation, error) {
	metrics.TokenValidationsTotal.Inc()

	t, err := r.store.GetToken(ctx, token)
	if err != nil {
		metrics.TokenValidationFailures.Inc()
		return nil, err
	}

	if t.Expired(r.now()) {
		metrics.TokenValidationFailures.Inc()
		// Expired tokens are removed eagerly; the sweep is a backstop.
		_ = r.store.DeleteToken(ctx, token)
		return nil, interfaces.ErrTokenExpired
	}

	reg, err := r.store.GetSpoke(ctx, t.SpokeID)
	if err != nil {
		metrics.TokenValidationFailures.Inc()
		return nil, interfaces.ErrTokenUnknown
	}
	if reg.Status != interfaces.StatusApproved {
		metrics.TokenValidationFailures.Inc()
		return nil, interfaces.ErrTokenUnknown
	}

	effective := t.Scopes
	if t.Scopes.HasWildcard() {
		effective = reg.AllowedPolicyScopes
	} else {
		effective = t.Scopes.Intersect(reg.AllowedPolicyScopes)
	}

	return &TokenValidation{Spoke: reg, Scopes: effective}, nil
}

// Heartbeat updates the spoke's last heartbeat timestamp. It is a no-op for
// spokes that are not approved.
func (r *SpokeRegistry) Heartbeat(ctx context.Context, id interfaces.SpokeID) error {
	reg, err := r.store.GetSpoke(ctx, id)
	if err != nil {
		return err
	}
	if reg.Status != interfaces.StatusApproved {
		return nil
	}

	now := r.now().UTC()
	reg.LastHeartbeat = &now
	return r.store.PutSpoke(ctx, reg)
}

// ListActive returns approved spokes only.
func (r *SpokeRegistry) ListActive(ctx context.Context) ([]*interfaces.SpokeRegistration, error) {
	spokes, err := r.store.ListSpokes(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*interfaces.SpokeRegistration, 0, len(spokes))
	for _, reg := range spokes {
		if reg.IsActive() {
			out = append(out, reg)
		}
	}
	return out, nil
}

// ListAll returns every registration regardless of status.
func (r *SpokeRegistry) ListAll(ctx context.Context) ([]*interfaces.SpokeRegistration, error) {
	return r.store.ListSpokes(ctx)
}

// Get returns one registration by spoke ID.
func (r *SpokeRegistry) Get(ctx context.Context, id interfaces.SpokeID) (*interfaces.SpokeRegistration, error) {
	return r.store.GetSpoke(ctx, id)
}

// GetByInstanceCode returns one registration by member code.
func (r *SpokeRegistry) GetByInstanceCode(ctx context.Context, code interfaces.InstanceCode) (*interfaces.SpokeRegistration, error) {
	return r.store.GetSpokeByInstanceCode(ctx, code)
}

// AllowedScopes returns the live allowed scope set for a spoke.
func (r *SpokeRegistry) AllowedScopes(ctx context.Context, id interfaces.SpokeID) (interfaces.ScopeSet, error) {
	reg, err := r.store.GetSpoke(ctx, id)
	if err != nil {
		return nil, err
	}
	return reg.AllowedPolicyScopes, nil
}

// FindUnhealthy returns approved spokes whose last heartbeat is missing or
// older than maxHeartbeatAge.
func (r *SpokeRegistry) FindUnhealthy(ctx context.Context, maxHeartbeatAge time.Duration) ([]*interfaces.SpokeRegistration, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	out := make([]*interfaces.SpokeRegistration, 0)
	for _, reg := range active {
		age := reg.HeartbeatAge(now)
		if age < 0 || age > maxHeartbeatAge {
			out = append(out, reg)
		}
	}
	return out, nil
}
