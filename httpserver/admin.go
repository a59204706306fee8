package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fedtrust/federation-policy-backend/authz"
	"github.com/fedtrust/federation-policy-backend/bundle"
	"github.com/fedtrust/federation-policy-backend/driftmon"
	"github.com/fedtrust/federation-policy-backend/interfaces"
	"github.com/fedtrust/federation-policy-backend/registry"
	"github.com/fedtrust/federation-policy-backend/syncmon"
)

// Administrative request headers.
const (
	// AdminSecretHeader authenticates administrative requests.
	AdminSecretHeader = "X-Federation-Admin-Secret"

	// ActorHeader names the administrator for the audit trail.
	ActorHeader = "X-Federation-Actor"

	// ActorRoleHeader carries the actor's role (tenant_admin or hub_admin).
	ActorRoleHeader = "X-Federation-Actor-Role"

	// ActorTenantHeader carries the tenant a tenant_admin acts for.
	ActorTenantHeader = "X-Federation-Actor-Tenant"
)

// AdminHandler processes administrative requests: spoke lifecycle, trust
// relationships, sync status and bundle builds. All routes require the
// shared admin secret; relationship changes additionally pass the constraint
// authorizer.
type AdminHandler struct {
	adminSecret string
	registry    *registry.SpokeRegistry
	builder     *bundle.Builder
	syncMon     *syncmon.Monitor
	drift       *driftmon.Checker
	log         *slog.Logger
}

// NewAdminHandler creates the administrative request handler.
func NewAdminHandler(adminSecret string, reg *registry.SpokeRegistry, builder *bundle.Builder, syncMon *syncmon.Monitor, drift *driftmon.Checker, log *slog.Logger) *AdminHandler {
	return &AdminHandler{
		adminSecret: adminSecret,
		registry:    reg,
		builder:     builder,
		syncMon:     syncMon,
		drift:       drift,
		log:         log,
	}
}

// RequireAdminSecret rejects requests without the shared admin secret.
// Comparison is constant-time.
func (h *AdminHandler) RequireAdminSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get(AdminSecretHeader)
		if h.adminSecret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.adminSecret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin secret"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RegisterRoutes mounts the administrative routes on the given router.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/spokes", h.handleRegisterSpoke)
	r.Get("/spokes", h.handleListSpokes)
	r.Get("/spokes/{spoke_id}", h.handleGetSpoke)
	r.Post("/spokes/{spoke_id}/approve", h.handleApproveSpoke)
	r.Post("/spokes/{spoke_id}/suspend", h.handleSuspendSpoke)
	r.Post("/spokes/{spoke_id}/revoke", h.handleRevokeSpoke)
	r.Post("/spokes/{spoke_id}/rotate-token", h.handleRotateToken)
	r.Post("/spokes/{spoke_id}/force-sync", h.handleForceSync)

	r.Get("/sync-status", h.handleSyncStatus)

	r.Post("/relationships", h.handleCreateRelationship)
	r.Get("/relationships", h.handleListRelationships)
	r.Delete("/relationships/{relationship_id}", h.handleDeleteRelationship)

	r.Get("/status", h.handleServerStatus)
	r.Post("/bundle/build", h.handleBuildBundle)
}

// actorFrom resolves the acting administrator from request headers. A hub
// administrator always holds the top trust tier; a tenant administrator
// inherits the trust level of its tenant's registration.
func (h *AdminHandler) actorFrom(r *http.Request) (authz.Actor, string) {
	name := r.Header.Get(ActorHeader)
	if name == "" {
		name = "admin"
	}

	actor := authz.Actor{Role: authz.ParseRole(r.Header.Get(ActorRoleHeader))}
	if actor.Role == authz.RoleHubAdmin {
		actor.Tenant = interfaces.HubInstanceCode
		actor.TrustLevel = interfaces.TrustFull
		return actor, name
	}

	tenant, err := interfaces.NewInstanceCode(r.Header.Get(ActorTenantHeader))
	if err != nil {
		return actor, name
	}
	actor.Tenant = tenant
	if reg, err := h.registry.GetByInstanceCode(r.Context(), tenant); err == nil {
		actor.TrustLevel = reg.TrustLevel
	}
	return actor, name
}

// writeAdminError maps domain errors to HTTP statuses. Authorization denials
// surface the matched rule so operators can tell privilege from typo.
func (h *AdminHandler) writeAdminError(w http.ResponseWriter, err error) {
	var authzErr *registry.AuthzError
	if errors.As(err, &authzErr) {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":  authzErr.Decision.Reason,
			"rule":   authzErr.Decision.Rule,
			"denied": "true",
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrSpokeNotFound), errors.Is(err, interfaces.ErrRelationshipNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrDuplicateInstance), errors.Is(err, interfaces.ErrInvalidTransition), errors.Is(err, interfaces.ErrRelationshipExists):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrInvalidRelationshipType):
		status = http.StatusBadRequest
	case errors.Is(err, interfaces.ErrSpokeUnreachable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// spokeIDParam parses and validates the spoke_id path parameter.
func spokeIDParam(r *http.Request) (interfaces.SpokeID, error) {
	id := interfaces.SpokeID(chi.URLParam(r, "spoke_id"))
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// handleRegisterSpoke records a new candidate member in pending status.
//
// URL format: POST /api/admin/spokes
func (h *AdminHandler) handleRegisterSpoke(w http.ResponseWriter, r *http.Request) {
	var req registry.RegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	reg, err := h.registry.Register(r.Context(), req)
	if err != nil {
		h.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// handleListSpokes lists registrations, optionally filtered to active ones.
//
// URL format: GET /api/admin/spokes?active=true
func (h *AdminHandler) handleListSpokes(w http.ResponseWriter, r *http.Request) {
	var (
		spokes []*interfaces.SpokeRegistration
		err    error
	)
	if r.URL.Query().Get("active") == "true" {
		spokes, err = h.registry.ListActive(r.Context())
	} else {
		spokes, err = h.registry.ListAll(r.Context())
	}
	if err != nil {
		h.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spokes": spokes, "count": len(spokes)})
}

func (h *AdminHandler) handleGetSpoke(w http.ResponseWriter, r *http.Request) {
	id, err := spokeIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reg, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.writeAdminError(w, err)
		return
	}

	relationships, err := h.registry.RelationshipsFor(r.Context(), reg.InstanceCode)
	if err != nil {
		h.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spoke": reg, "relationships": relationships})
}

// approveRequest carries the trust grant for an approval.
type approveRequest struct {
	TrustLevel        string   `json:"trustLevel"`
	Scopes            []string `json:"scopes"`
	MaxClassification string   `json:"maxClassification"`
}

// handleApproveSpoke approves a pending or suspended spoke and returns the
// issued bearer token. The token value appears only in this response.
//
// URL format: POST /api/admin/spokes/{spoke_id}/approve
func (h *AdminHandler) handleApproveSpoke(w http.ResponseWriter, r *http.Request) {
	id, err := spokeIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req approveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	trustLevel, err := interfaces.ParseTrustLevel(req.TrustLevel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	classification := interfaces.ClassUnclassified
	if req.MaxClassification != "" {
		classification, err = interfaces.ParseClassification(req.MaxClassification)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	_, name := h.actorFrom(r)
	reg, token, err := h.registry.Approve(r.Context(), id, registry.ApprovalGrant{
		TrustLevel:        trustLevel,
		Scopes:            interfaces.NewScopeSet(req.Scopes...),
		MaxClassification: classification,
	}, name)
	if err != nil {
		h.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spoke": reg, "token": token})
}

// statusChangeRequest carries the operator's reason for a deactivation.
type statusChangeRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) handleSuspendSpoke(w http.ResponseWriter, r *http.Request) {
	h.handleDeactivate(w, r, h.registry.Suspend)
}

func (h *AdminHandler) handleRevokeSpoke(w http.ResponseWriter, r *http.Request) {
	h.handleDeactivate(w, r, h.registry.Revoke)
}

func (h *AdminHandler) handleDeactivate(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id interfaces.SpokeID, reason, actor string) (*interfaces.SpokeRegistration, error)) {
	id, err := spokeIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req statusChangeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	_, name := h.actorFrom(r)
	reg, err := apply(r.Context(), id, req.Reason, name)
	if err != nil {
		h.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// handleRotateToken revokes outstanding tokens and issues a replacement.
//
// URL format: POST /api/admin/spokes/{spoke_id}/rotate-token
func (h *AdminHandler) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	id, err := spokeIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, name := h.actorFrom(r)
	token, err := h.registry.RotateToken(r.Context(), id, name)
	if err != nil {
		h.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// handleForceSync synchronously pushes a full sync to one spoke. Transport
// failure maps to 502; the operator decides whether to retry.
//
// URL format: POST /api/admin/spokes/{spoke_id}/force-sync
func (h *AdminHandler) handleForceSync(w http.ResponseWriter, r *http.Request) {
	id, err := spokeIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, name := h.actorFrom(r)
	var code interfaces.InstanceCode
	if reg, regErr := h.registry.Get(r.Context(), id); regErr == nil {
		code = reg.InstanceCode
	}

	result, err := h.syncMon.ForceFullSync(r.Context(), id)
	if err != nil {
		if result != nil {
			h.registry.Audit().Append(registry.EventForceSync, name, id, code, "failed: "+result.Error)
			writeJSON(w, http.StatusBadGateway, result)
			return
		}
		h.writeAdminError(w, err)
		return
	}
	h.registry.Audit().Append(registry.EventForceSync, name, id, code, "synced to "+result.Version)
	writeJSON(w, http.StatusOK, result)
}

// handleSyncStatus reports recomputed sync state for every active spoke.
//
// URL format: GET /api/admin/sync-status?out_of_sync=true
func (h *AdminHandler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	var (
		statuses []*interfaces.SpokeSyncStatus
		err      error
	)
	if r.URL.Query().Get("out_of_sync") == "true" {
		statuses, err = h.syncMon.GetOutOfSyncSpokes(r.Context())
	} else {
		statuses, err = h.syncMon.GetAllSpokeStatus(r.Context())
	}
	if err != nil {
		h.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"currentVersion": h.builder.CurrentVersion(),
		"spokes":         statuses,
		"count":          len(statuses),
	})
}

// relationshipRequest carries a proposed trust link.
type relationshipRequest struct {
	Type            string `json:"relationshipType"`
	OwnerInstance   string `json:"ownerInstance"`
	PartnerInstance string `json:"partnerInstance"`
}

// handleCreateRelationship creates a trust link, gated by the constraint
// authorizer. Denials return 403 with the matched rule.
//
// URL format: POST /api/admin/relationships
func (h *AdminHandler) handleCreateRelationship(w http.ResponseWriter, r *http.Request) {
	var req relationshipRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	relType, err := interfaces.ParseRelationshipType(req.Type)
	if err != nil {
		h.writeAdminError(w, err)
		return
	}
	owner, err := interfaces.NewInstanceCode(req.OwnerInstance)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	partner, err := interfaces.NewInstanceCode(req.PartnerInstance)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	actor, name := h.actorFrom(r)
	rel, err := h.registry.CreateRelationship(r.Context(), actor, registry.RelationshipRequest{
		Type:            relType,
		OwnerInstance:   owner,
		PartnerInstance: partner,
	}, name)
	if err != nil {
		h.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (h *AdminHandler) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	relationships, err := h.registry.ListRelationships(r.Context())
	if err != nil {
		h.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": relationships, "count": len(relationships)})
}

func (h *AdminHandler) handleDeleteRelationship(w http.ResponseWriter, r *http.Request) {
	relationshipID := chi.URLParam(r, "relationship_id")
	if relationshipID == "" {
		http.Error(w, "Missing relationship id", http.StatusBadRequest)
		return
	}

	actor, name := h.actorFrom(r)
	if err := h.registry.DeleteRelationship(r.Context(), actor, relationshipID, name); err != nil {
		h.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleServerStatus reports the operational picture: active bundle, audit
// tail and the latest drift report.
//
// URL format: GET /api/admin/status
func (h *AdminHandler) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"currentVersion": h.builder.CurrentVersion(),
		"auditEvents":    h.registry.Audit().Snapshot(),
	}
	if current := h.builder.Current(); current != nil {
		resp["bundle"] = map[string]any{
			"bundleId":  current.BundleID,
			"version":   current.Version,
			"hash":      current.Hash.String(),
			"scopes":    current.Scopes,
			"signed":    current.Signed(),
			"createdAt": current.CreatedAt,
		}
	}
	if h.drift != nil {
		resp["drift"] = h.drift.Latest()
	}
	writeJSON(w, http.StatusOK, resp)
}

// buildRequest controls an on-demand bundle build.
type buildRequest struct {
	Scopes      []string `json:"scopes"`
	IncludeData bool     `json:"includeData"`
	Sign        bool     `json:"sign"`
	Compress    bool     `json:"compress"`
}

// handleBuildBundle runs a build and publishes the result as the new current
// bundle.
//
// URL format: POST /api/admin/bundle/build
func (h *AdminHandler) handleBuildBundle(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	result, err := h.builder.Build(r.Context(), bundle.BuildOptions{
		Scopes:      req.Scopes,
		IncludeData: req.IncludeData,
		Sign:        req.Sign,
		Compress:    req.Compress,
	})
	if err != nil {
		h.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}
